package controlsurface

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iltempo/conductor/internal/conductor"
	"github.com/iltempo/conductor/internal/docmodel"
)

const broadcastInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the WebSocket control plane fronting a single Conductor.
type Server struct {
	cond *conductor.Conductor

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	lastDocVersion int

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// wsClient serializes writes to one connection — gorilla/websocket permits
// at most one concurrent writer, and both the read-loop's direct replies
// and the shared broadcaster write to the same connection.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (wc *wsClient) writeOutbound(o Outbound) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteJSON(o)
}

// NewServer builds a control surface around an already-running Conductor.
func NewServer(cond *conductor.Conductor) *Server {
	return &Server{
		cond:        cond,
		clients:     make(map[*wsClient]struct{}),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the shared ~500ms broadcaster goroutine.
func (s *Server) Start() {
	go s.broadcastLoop()
}

// Stop halts the broadcaster and waits for it to exit.
func (s *Server) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs its
// read loop until the client disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ws upgrade failed: %v\n", err)
		return
	}
	wc := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[wc] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, wc)
		s.mu.Unlock()
		conn.Close()
	}()

	doc, err := s.cond.GetDoc()
	if err == nil {
		wc.writeOutbound(Outbound{Type: outHello, TS: nowMillis(), Payload: helloPayload{Protocol: 1, DocVersion: doc.DocVersion}})
	}

	s.readLoop(wc)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// readLoop is the single cooperative per-connection loop: it reads inbound
// frames and writes their direct replies, never holding the conductor lock
// across the network read itself.
func (s *Server) readLoop(wc *wsClient) {
	for {
		var in Inbound
		if err := wc.conn.ReadJSON(&in); err != nil {
			return
		}
		out := s.dispatch(in)
		if out != nil {
			wc.writeOutbound(*out)
		}
	}
}

func (s *Server) dispatch(in Inbound) *Outbound {
	ts := nowMillis()
	reply := func(typ string, payload any) *Outbound {
		return &Outbound{Type: typ, ID: in.ID, TS: ts, Payload: payload}
	}
	errReply := func(kind, details string) *Outbound {
		return reply(outError, errorPayload{Error: kind, Details: details})
	}

	switch in.Type {
	case inSubscribe:
		return reply(outAck, ackPayload{OK: true})

	case inPing:
		return reply(outPong, nil)

	case inGetState:
		return reply(outState, s.cond.GetState())

	case inGetDoc:
		doc, err := s.cond.GetDoc()
		if err != nil {
			return errReply(ErrException, err.Error())
		}
		return reply(outDoc, doc)

	case inSetTempo:
		var p setTempoPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return errReply(ErrException, err.Error())
		}
		if err := s.cond.DoSetTempo(p.BPM); err != nil {
			return errReply(ErrException, err.Error())
		}
		return reply(outAck, ackPayload{OK: true})

	case inSetClockSource:
		var p setClockSourcePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return errReply(ErrException, err.Error())
		}
		if err := s.cond.DoSetClockSource(conductor.ClockSource(p.Source)); err != nil {
			return errReply(ErrException, err.Error())
		}
		return reply(outAck, ackPayload{OK: true})

	case inSetTempoCC:
		var p setTempoPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return errReply(ErrException, err.Error())
		}
		if err := s.cond.DoSetTempoCC(p.BPM); err != nil {
			return errReply(ErrException, err.Error())
		}
		return reply(outAck, ackPayload{OK: true})

	case inReplaceJSON:
		return s.handleReplaceJSON(in, reply, errReply)

	case inApplyPatch:
		return s.handleApplyPatch(in, reply, errReply)

	case inPlay:
		if s.cond.DeviceOwnsTransport() {
			return errReply(ErrTransportExternalOnly, "")
		}
		s.cond.DoPlay()
		return reply(outAck, ackPayload{OK: true})

	case inStop:
		if s.cond.DeviceOwnsTransport() {
			return errReply(ErrTransportExternalOnly, "")
		}
		s.cond.DoStop()
		return reply(outAck, ackPayload{OK: true})

	case inContinue:
		if s.cond.DeviceOwnsTransport() {
			return errReply(ErrTransportExternalOnly, "")
		}
		s.cond.DoContinue()
		return reply(outAck, ackPayload{OK: true})

	default:
		return errReply(ErrException, fmt.Sprintf("unknown type %q", in.Type))
	}
}

func (s *Server) handleReplaceJSON(in Inbound, reply func(string, any) *Outbound, errReply func(string, string) *Outbound) *Outbound {
	var p replaceJSONPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return errReply(ErrException, err.Error())
	}
	var doc docmodel.LoopDoc
	if err := json.Unmarshal(p.Doc, &doc); err != nil {
		return errReply(ErrValidation, err.Error())
	}
	if errs := docmodel.Validate(&doc); len(errs) > 0 {
		return errReply(ErrValidation, errs[0].Error())
	}
	res := s.cond.ScheduleOrApply(p.BaseVersion, &doc, true, p.ApplyNow)
	return ackOrError(res, reply, errReply)
}

func (s *Server) handleApplyPatch(in Inbound, reply func(string, any) *Outbound, errReply func(string, string) *Outbound) *Outbound {
	var p applyPatchPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return errReply(ErrException, err.Error())
	}
	ops, err := docmodel.ParsePatchOps(p.Ops)
	if err != nil {
		return errReply(ErrInvalidOps, err.Error())
	}
	res := s.cond.ApplyPatch(p.BaseVersion, ops, p.ApplyNow)
	return ackOrError(res, reply, errReply)
}

func ackOrError(res conductor.ReplaceResult, reply func(string, any) *Outbound, errReply func(string, string) *Outbound) *Outbound {
	if !res.OK {
		kind := res.Error
		if kind == "" {
			kind = ErrException
		}
		if res.Expected != 0 {
			return reply(outError, errorPayload{Error: kind, Expected: res.Expected})
		}
		return errReply(kind, "")
	}
	return reply(outAck, ackPayload{OK: true, DocVersion: res.DocVersion, Pending: res.Pending, When: res.When})
}

// broadcastLoop emits state+metrics every ~500ms to every connected client,
// and doc whenever the installed document's version changes (including via
// an externally detected file edit).
func (s *Server) broadcastLoop() {
	defer close(s.stoppedChan)
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cond.CheckExternalEdit()
			s.broadcastOnce()
		}
	}
}

func (s *Server) broadcastOnce() {
	ts := nowMillis()
	state := s.cond.GetState()
	metrics := s.cond.GetMetrics()

	doc, err := s.cond.GetDoc()
	var docChanged bool
	if err == nil && doc.DocVersion != s.lastDocVersion {
		s.lastDocVersion = doc.DocVersion
		docChanged = true
	}

	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for wc := range s.clients {
		targets = append(targets, wc)
	}
	s.mu.Unlock()

	for _, wc := range targets {
		wc.writeOutbound(Outbound{Type: outState, TS: ts, Payload: state})
		wc.writeOutbound(Outbound{Type: outMetrics, TS: ts, Payload: metrics})
		if docChanged {
			wc.writeOutbound(Outbound{Type: outDoc, TS: ts, Payload: doc})
		}
	}
}

// Package controlsurface implements the WebSocket control plane: one
// gorilla/websocket connection per client, a single read-loop goroutine per
// connection processing inbound envelopes, and a shared broadcaster
// goroutine emitting state/metrics/doc updates. Grounded on
// original_source/conductor/ws_server.py's websockets.serve loop.
package controlsurface

import "encoding/json"

// Inbound is a request envelope from a client: {type, id?, payload?}.
type Inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a reply or broadcast envelope: {type, ts, payload} with an
// echoed id on direct replies.
type Outbound struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	TS      int64  `json:"ts"`
	Payload any    `json:"payload,omitempty"`
}

const (
	outHello   = "hello"
	outDoc     = "doc"
	outState   = "state"
	outMetrics = "metrics"
	outAck     = "ack"
	outError   = "error"
	outPong    = "pong"
)

const (
	inSubscribe      = "subscribe"
	inPing           = "ping"
	inGetState       = "getState"
	inGetDoc         = "getDoc"
	inSetTempo       = "setTempo"
	inSetClockSource = "setClockSource"
	inSetTempoCC     = "setTempoCC"
	inReplaceJSON    = "replaceJSON"
	inApplyPatch     = "applyPatch"
	inPlay           = "play"
	inStop           = "stop"
	inContinue       = "continue"
)

// Error kinds reported in error payloads.
const (
	ErrStale                 = "stale"
	ErrValidation            = "validation"
	ErrInvalidOps            = "invalid_ops"
	ErrPatchApply            = "patch_apply"
	ErrTransportExternalOnly = "transport_external_only"
	ErrException             = "exception"
)

type errorPayload struct {
	Error    string `json:"error"`
	Details  string `json:"details,omitempty"`
	Expected int    `json:"expected,omitempty"`
}

type ackPayload struct {
	OK         bool   `json:"ok"`
	DocVersion int    `json:"docVersion,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	When       string `json:"when,omitempty"`
}

type helloPayload struct {
	Protocol   int `json:"protocol"`
	DocVersion int `json:"docVersion"`
}

type setTempoPayload struct {
	BPM float64 `json:"bpm"`
}

type setClockSourcePayload struct {
	Source string `json:"source"`
}

type replaceJSONPayload struct {
	BaseVersion int             `json:"baseVersion"`
	Doc         json.RawMessage `json:"doc"`
	ApplyNow    bool            `json:"applyNow"`
}

type applyPatchPayload struct {
	BaseVersion int             `json:"baseVersion"`
	Ops         json.RawMessage `json:"ops"`
	ApplyNow    bool            `json:"applyNow"`
}

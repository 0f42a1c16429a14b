package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/iltempo/conductor/internal/conductor"
	"github.com/iltempo/conductor/internal/controlsurface"
	"github.com/iltempo/conductor/internal/docmodel"
	"github.com/iltempo/conductor/internal/engine"
	"github.com/iltempo/conductor/internal/midiio"
	"github.com/iltempo/conductor/internal/sink"
)

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// pickPort resolves --port (an optional name substring) against a port
// list: a single match wins and no match falls back to index 0; with
// several matches an interactive TTY prompts with readline the way
// main.go's MIDI port picker does, and a non-TTY takes the first match.
func pickPort(kind string, names []string, substr string) (int, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("no MIDI %s ports found", kind)
	}

	candidates := []int{}
	for i, n := range names {
		if substr == "" || strings.Contains(strings.ToLower(n), strings.ToLower(substr)) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) == 0 {
		candidates = append(candidates, 0)
	}

	if len(candidates) == 1 || !isTerminal() {
		idx := candidates[0]
		fmt.Printf("Using %s port %d: %s\n", kind, idx, names[idx])
		return idx, nil
	}

	fmt.Printf("Available MIDI %s ports:\n", kind)
	for _, i := range candidates {
		fmt.Printf("  %d: %s\n", i, names[i])
	}
	rl, err := readline.New(fmt.Sprintf("Select MIDI %s port: ", kind))
	if err != nil {
		return 0, fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return 0, fmt.Errorf("failed to read port selection: %w", err)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 0 || idx >= len(names) {
		return 0, fmt.Errorf("invalid port selection %q", line)
	}
	return idx, nil
}

func main() {
	loopPath := flag.String("loop", "", "path to the loop document JSON")
	portSubstr := flag.String("port", "", "MIDI port name substring (interactive prompt if ambiguous on a TTY)")
	bpm := flag.Float64("bpm", 0, "override the document's initial tempo")
	clockSourceFlag := flag.String("clock-source", "internal", "internal|external")
	wsHost := flag.String("ws-host", "127.0.0.1", "control surface bind host")
	wsPort := flag.Int("ws-port", 8765, "control surface bind port")
	httpPort := flag.Int("http-port", 0, "optional static file server port (0 disables)")
	attachMidPlay := flag.Bool("attach-mid-play", false, "external clock: infer play from a clock pulse arriving shortly after a song-position-pointer, with no explicit start/continue seen")
	flag.Parse()

	if *loopPath == "" {
		fmt.Fprintln(os.Stderr, "--loop is required")
		os.Exit(2)
	}

	doc, err := docmodel.Load(*loopPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load loop document: %v\n", err)
		os.Exit(2)
	}

	outIdx, err := pickPort("output", midiio.ListOutPorts(), *portSubstr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	inIdx, err := pickPort("input", midiio.ListInPorts(), *portSubstr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	out, err := midiio.OpenOutput(outIdx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open MIDI output: %v\n", err)
		os.Exit(2)
	}
	defer out.Close()

	snk := sink.NewMIDISink(out)
	cond := conductor.New(doc, *loopPath, snk, engine.Limits{}, inIdx, *attachMidPlay)

	if strings.EqualFold(*clockSourceFlag, "external") {
		if err := cond.DoSetClockSource(conductor.ClockExternal); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set external clock source: %v\n", err)
			os.Exit(2)
		}
	} else if *bpm > 0 {
		cond.DoSetTempo(*bpm)
	}

	cond.DoPlay()

	server := controlsurface.NewServer(cond)
	server.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	wsAddr := fmt.Sprintf("%s:%d", *wsHost, *wsPort)
	go func() {
		if err := http.ListenAndServe(wsAddr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "control surface listener stopped: %v\n", err)
		}
	}()
	fmt.Printf("Control surface listening on ws://%s/ws\n", wsAddr)

	if *httpPort > 0 {
		go func() {
			healthMux := http.NewServeMux()
			healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			addr := fmt.Sprintf("%s:%d", *wsHost, *httpPort)
			if err := http.ListenAndServe(addr, healthMux); err != nil {
				fmt.Fprintf(os.Stderr, "http listener stopped: %v\n", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down gracefully...")
	server.Stop()
	cond.Stop()
	os.Exit(0)
}

package serialmux

import (
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes adds the serial link's debug endpoints under /debug/.
// There is no raw send route: hardware access goes through the
// bridge worker only.
func (t *Transport) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Serial port", t.cfg.PortPath)
	debug.KV("Reply timeout", t.cfg.ReplyTimeout.String())

	debug.HandleFunc("serial-ports", "list serial ports visible to this host", func(w http.ResponseWriter, r *http.Request) {
		ports, err := ListPorts()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list ports: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "configured: %s\n\n%s\n", t.cfg.PortPath, strings.Join(ports, "\n"))
	})

	// Server-Sent Events stream of every line exchanged with the controller.
	debug.HandleSilentFunc("serial-tail", t.serveTail)
}

func (t *Transport) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := t.tap.Subscribe()
	defer t.tap.Unsubscribe(id)

	_, _ = w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

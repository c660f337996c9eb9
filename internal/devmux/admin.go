package devmux

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/shimtool/internal/errs"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// ErrNotConnected is returned by admin routes whose device has no open mux.
var ErrNotConnected = errors.New("device not connected")

// AdminTarget names the device the admin routes act on. Mux is called on
// every request so the routes follow a reconnect. Send queues a command typed
// into the form and defaults to Enqueue on the current mux; a device that
// checks its commands supplies its own. Errors wrapping errs.ErrValidation or
// errs.ErrProtocol are reported as 400 and nothing is queued.
type AdminTarget struct {
	Name string
	Mux  func() *Mux
	Send func(command string) error
}

func (t AdminTarget) send(command string) error {
	if t.Send != nil {
		return t.Send(command)
	}
	m := t.Mux()
	if m == nil {
		return ErrNotConnected
	}
	return m.Enqueue(command)
}

// AttachAdminRoutes mounts debugging endpoints for this mux under /debug/.
// The routes stay bound to m; use the package-level AttachAdminRoutes for a
// device that reconnects.
func (m *Mux) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutes(mux, AdminTarget{Name: m.name, Mux: func() *Mux { return m }})
}

// AttachAdminRoutes mounts <name>-send-command (form), <name>-send-command-api
// (POST, queues the command through t.Send) and <name>-tail (SSE stream of
// inbound lines) under /debug/.
func AttachAdminRoutes(mux *http.ServeMux, t AdminTarget) {
	debug := tsweb.Debugger(mux)
	prefix := t.Name + "-"

	debug.HandleFunc(prefix+"send-command", "queue a command to the "+t.Name, func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Name string }{t.Name}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc(prefix+"send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := t.send(command); err != nil {
			if errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrProtocol) {
				http.Error(w, fmt.Sprintf("Rejected command %q: %v", command, err), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("Failed to queue command: %v", err), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, fmt.Sprintf("Queued command %q on %s", command, t.Name))
	})

	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m := t.Mux()
		if m == nil {
			http.Error(w, ErrNotConnected.Error(), http.StatusServiceUnavailable)
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

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

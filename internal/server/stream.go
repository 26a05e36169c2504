package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mesophy/signaged"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const headerDeviceID = "X-Device-ID"

// handleStream opens the persistent per-device event stream. The credential
// authenticates the caller; an optional X-Device-ID header names the target
// device and must match the credential's device. The handler blocks for the
// lifetime of the session and returns when the client disconnects, the
// session is superseded, or a write fails.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.ResolveDevice(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if target := strings.TrimSpace(r.Header.Get(headerDeviceID)); target != "" && target != device.DeviceID {
		writeError(w, pkgerrors.Wrapf(signaged.ErrNotFound, "server: stream target %s", target))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, pkgerrors.Wrap(signaged.ErrUnavailable, "server: response writer does not support streaming"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	transport := &sseTransport{w: w, flusher: flusher}
	err = s.sessions.Serve(r.Context(), device.DeviceID, s.store, transport, signaged.SessionConfig{
		DrainInterval: s.cfg.DrainInterval,
	})
	if err != nil {
		log.Warn().Err(err).Str("device_id", device.DeviceID).Msg("server: stream session ended with error")
		// Best effort: the transport may already be gone.
		_ = transport.WriteEvent(signaged.Event{Type: signaged.EventError, Data: map[string]string{
			"error": "stream terminated",
		}})
	}
}

// sseTransport frames events as Server-Sent Events on the live response.
// WriteEvent only returns nil once the frame has been handed to the
// connection and flushed, which is the delivery confirmation the session's
// bookkeeping relies on.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func (t *sseTransport) WriteEvent(event signaged.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return pkgerrors.Wrap(err, "server: marshal stream event failed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return pkgerrors.Wrap(err, "server: write stream event failed")
	}
	t.flusher.Flush()
	return nil
}

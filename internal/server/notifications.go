package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mesophy/signaged"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type enqueueRequest struct {
	DeviceID string          `json:"device_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

// handleEnqueue creates one notification entry for a target device and wakes
// its connected session, if any, so delivery does not wait for the next drain
// tick.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}
	kind := signaged.NotificationKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = signaged.KindContentUpdate
	}

	if _, err := s.store.GetDevice(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.store.EnqueueNotification(r.Context(), deviceID, kind, req.Payload, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.Wake(deviceID)
	log.Info().
		Int64("entry_id", entry.ID).
		Str("device_id", deviceID).
		Str("kind", string(kind)).
		Bool("session_active", s.sessions.Active(deviceID)).
		Msg("server: notification enqueued")
	writeJSON(w, http.StatusCreated, notificationBody(entry))
}

// handleListDevices is the operator dashboard read: every device plus a
// derived presumed_offline flag for players whose last heartbeat is older
// than twice the heartbeat interval.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := nowUTC()
	staleAfter := 2 * s.cfg.HeartbeatInterval
	summaries := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		summary := summarizeDevice(d)
		stale := d.LastSeenAt.IsZero() || now.Sub(d.LastSeenAt) > staleAfter
		summary.PresumedOffline = &stale
		summary.Connected = s.sessions.Active(d.DeviceID)
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": summaries})
}

type provisionRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

// handleProvision creates a device row and returns its credential. The token
// is shown exactly once; it cannot be read back later.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}
	device, token, err := s.store.ProvisionDevice(r.Context(), deviceID, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, pkgerrors.Wrap(err, "server: provision device failed"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device":       summarizeDevice(device),
		"device_token": token,
	})
}

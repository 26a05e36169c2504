package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mesophy/signaged"
	"github.com/rs/zerolog/log"
)

type heartbeatRequest struct {
	Status         string          `json:"status"`
	SystemInfo     json.RawMessage `json:"system_info"`
	DisplayInfo    json.RawMessage `json:"display_info"`
	CurrentContent json.RawMessage `json:"current_content"`
	ErrorInfo      json.RawMessage `json:"error_info"`
}

type heartbeatResponse struct {
	Device               deviceSummary `json:"device"`
	SyncRequired         bool          `json:"sync_required"`
	NextHeartbeatSeconds int           `json:"next_heartbeat_seconds"`
}

// handleHeartbeat accepts one heartbeat submission. The body is decoded
// leniently: every field is optional and a malformed body falls back to the
// documented defaults rather than failing the request. Only a bad credential
// or a persistence failure rejects a heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	report := decodeHeartbeatBody(r.Body)

	ack, err := s.tracker.RecordHeartbeat(r.Context(), token, report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Device:               summarizeDevice(ack.Device),
		SyncRequired:         ack.SyncRequired,
		NextHeartbeatSeconds: int(ack.NextHeartbeat.Seconds()),
	})
}

func decodeHeartbeatBody(body io.Reader) signaged.HeartbeatReport {
	var req heartbeatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil && err != io.EOF {
		log.Debug().Err(err).Msg("server: malformed heartbeat body, using defaults")
		return signaged.HeartbeatReport{Status: signaged.StatusOnline}
	}
	status := signaged.DeviceStatus(req.Status)
	if !status.Valid() {
		status = signaged.StatusOnline
	}
	return signaged.HeartbeatReport{
		Status:         status,
		SystemInfo:     req.SystemInfo,
		DisplayInfo:    req.DisplayInfo,
		CurrentContent: req.CurrentContent,
		ErrorInfo:      req.ErrorInfo,
	}
}

// handleSyncComplete records a finished content sync for the calling device:
// last_sync_at moves to now and sync_version increments, which clears the
// resync recommendation on the next heartbeat.
func (s *Server) handleSyncComplete(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.ResolveDevice(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.RecordSyncCompleted(r.Context(), device.DeviceID, nowUTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":       summarizeDevice(updated),
		"sync_version": updated.SyncVersion,
	})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mesophy/signaged"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("server: write response failed")
	}
}

// writeError maps the subsystem error taxonomy onto HTTP status codes.
// Internal details stay in the log; the client gets the taxonomy message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := signaged.ErrInternal.Error()
	switch {
	case errors.Is(err, signaged.ErrUnauthorized):
		status = http.StatusUnauthorized
		message = signaged.ErrUnauthorized.Error()
	case errors.Is(err, signaged.ErrNotFound):
		status = http.StatusNotFound
		message = signaged.ErrNotFound.Error()
	case errors.Is(err, signaged.ErrUnavailable):
		status = http.StatusServiceUnavailable
		message = signaged.ErrUnavailable.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("server: request failed")
	}
	writeJSON(w, status, map[string]string{"error": message})
}

type deviceSummary struct {
	DeviceID        string     `json:"device_id"`
	Name            string     `json:"name,omitempty"`
	Status          string     `json:"status"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	SyncVersion     int64      `json:"sync_version"`
	PresumedOffline *bool      `json:"presumed_offline,omitempty"`
	Connected       bool       `json:"connected,omitempty"`
}

func summarizeDevice(d signaged.Device) deviceSummary {
	return deviceSummary{
		DeviceID:    d.DeviceID,
		Name:        d.Name,
		Status:      string(d.Status),
		LastSeenAt:  timePtr(d.LastSeenAt),
		LastSyncAt:  timePtr(d.LastSyncAt),
		SyncVersion: d.SyncVersion,
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type notificationJSON struct {
	ID          int64           `json:"id"`
	DeviceID    string          `json:"device_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

func notificationBody(e signaged.NotificationEntry) notificationJSON {
	return notificationJSON{
		ID:          e.ID,
		DeviceID:    e.DeviceID,
		Kind:        string(e.Kind),
		Payload:     e.Payload,
		Priority:    e.Priority,
		CreatedAt:   e.CreatedAt,
		DeliveredAt: timePtr(e.DeliveredAt),
	}
}

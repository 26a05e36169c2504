package signaged

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DeviceRegistry resolves device credentials and applies heartbeat updates.
// Implemented by pkg/store on top of SQLite.
type DeviceRegistry interface {
	// ResolveDevice maps an opaque device token to its registry row.
	// Unknown tokens fail with ErrUnauthorized.
	ResolveDevice(ctx context.Context, token string) (Device, error)

	// UpdateHeartbeat persists the patch from one accepted heartbeat and
	// returns the device row as stored. last_seen_at must never regress.
	UpdateHeartbeat(ctx context.Context, deviceID string, update HeartbeatUpdate) (Device, error)
}

// AuditEntry is one append-only heartbeat audit line.
type AuditEntry struct {
	DeviceID string
	Level    zerolog.Level
	Status   DeviceStatus
	Detail   json.RawMessage
	At       time.Time
}

// AuditSink records heartbeat audit lines. Writes are best-effort: a failed
// audit write never fails the heartbeat that produced it.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// TrackerConfig tunes the liveness tracker. Zero values fall back to the
// package policy defaults.
type TrackerConfig struct {
	ResyncAfter       time.Duration
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

// Tracker consumes heartbeat submissions, updates the device registry and
// decides when a full content resync is due.
type Tracker struct {
	registry DeviceRegistry
	audit    AuditSink
	cfg      TrackerConfig
}

// NewTracker builds a liveness tracker. audit may be nil, in which case only
// the structured log line is emitted per heartbeat.
func NewTracker(registry DeviceRegistry, audit AuditSink, cfg TrackerConfig) *Tracker {
	if cfg.ResyncAfter <= 0 {
		cfg.ResyncAfter = DefaultResyncAfter
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{registry: registry, audit: audit, cfg: cfg}
}

// RecordHeartbeat processes one heartbeat submission. Unknown credentials fail
// with ErrUnauthorized and mutate nothing; a failed registry update fails the
// whole heartbeat. The audit write afterwards is best-effort and the returned
// acknowledgment always reflects the state actually persisted.
func (t *Tracker) RecordHeartbeat(ctx context.Context, token string, report HeartbeatReport) (HeartbeatAck, error) {
	device, err := t.registry.ResolveDevice(ctx, token)
	if err != nil {
		return HeartbeatAck{}, err
	}

	status := report.Status
	if !status.Valid() {
		status = StatusOnline
	}
	now := t.cfg.Clock()

	updated, err := t.registry.UpdateHeartbeat(ctx, device.DeviceID, HeartbeatUpdate{
		Status:         status,
		SeenAt:         now,
		SystemInfo:     report.SystemInfo,
		DisplayInfo:    report.DisplayInfo,
		CurrentContent: report.CurrentContent,
		ErrorInfo:      report.ErrorInfo,
	})
	if err != nil {
		return HeartbeatAck{}, errors.Wrap(err, "liveness: persist heartbeat failed")
	}

	t.writeAudit(ctx, updated.DeviceID, status, report, now)

	return HeartbeatAck{
		Device:        updated,
		SyncRequired:  ResyncDue(now, updated.LastSyncAt, updated.SyncVersion, t.cfg.ResyncAfter),
		NextHeartbeat: t.cfg.HeartbeatInterval,
	}, nil
}

func (t *Tracker) writeAudit(ctx context.Context, deviceID string, status DeviceStatus, report HeartbeatReport, at time.Time) {
	level := HeartbeatAuditLevel(status, report.ErrorInfo)
	log.WithLevel(level).
		Str("device_id", deviceID).
		Str("status", string(status)).
		Bool("error_info", jsonPresent(report.ErrorInfo)).
		Msg("device heartbeat")

	if t.audit == nil {
		return
	}
	detail, err := json.Marshal(auditDetail{
		Status:         status,
		SystemInfo:     compactJSON(report.SystemInfo),
		DisplayInfo:    compactJSON(report.DisplayInfo),
		CurrentContent: compactJSON(report.CurrentContent),
		ErrorInfo:      compactJSON(report.ErrorInfo),
	})
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("liveness: marshal audit detail failed")
		return
	}
	entry := AuditEntry{DeviceID: deviceID, Level: level, Status: status, Detail: detail, At: at}
	if err := t.audit.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("liveness: heartbeat audit write failed")
	}
}

// HeartbeatAuditLevel maps a heartbeat to its audit log level: error status
// logs at error, maintenance or an attached error_info logs at warn, the rest
// at debug.
func HeartbeatAuditLevel(status DeviceStatus, errorInfo json.RawMessage) zerolog.Level {
	switch {
	case status == StatusError:
		return zerolog.ErrorLevel
	case status == StatusMaintenance, jsonPresent(errorInfo):
		return zerolog.WarnLevel
	default:
		return zerolog.DebugLevel
	}
}

type auditDetail struct {
	Status         DeviceStatus    `json:"status"`
	SystemInfo     json.RawMessage `json:"system_info,omitempty"`
	DisplayInfo    json.RawMessage `json:"display_info,omitempty"`
	CurrentContent json.RawMessage `json:"current_content,omitempty"`
	ErrorInfo      json.RawMessage `json:"error_info,omitempty"`
}

// jsonPresent reports whether raw holds an actual value, treating JSON null
// the same as an omitted field.
func jsonPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if !jsonPresent(raw) {
		return nil
	}
	return raw
}

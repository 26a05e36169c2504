package signaged

import (
	"encoding/json"
	"time"
)

// DeviceStatus is the operational state a device reports in its heartbeat.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusError       DeviceStatus = "error"
	StatusMaintenance DeviceStatus = "maintenance"
)

// Valid reports whether s is one of the known device statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError, StatusMaintenance:
		return true
	}
	return false
}

// Device is the registry view of one provisioned signage player. The opaque
// device token used for authentication is deliberately absent; it never leaves
// the store except at provisioning time.
type Device struct {
	DeviceID    string
	Name        string
	Status      DeviceStatus
	LastSeenAt  time.Time // zero means the device has never sent a heartbeat
	LastSyncAt  time.Time // zero means the device has never completed a content sync
	SyncVersion int64
}

// HeartbeatReport carries the diagnostic payload a device submits with each
// heartbeat. All fields are optional; empty raw messages are treated as absent.
type HeartbeatReport struct {
	Status         DeviceStatus
	SystemInfo     json.RawMessage
	DisplayInfo    json.RawMessage
	CurrentContent json.RawMessage
	ErrorInfo      json.RawMessage
}

// HeartbeatUpdate is the row patch one accepted heartbeat applies to a device.
type HeartbeatUpdate struct {
	Status         DeviceStatus
	SeenAt         time.Time
	SystemInfo     json.RawMessage
	DisplayInfo    json.RawMessage
	CurrentContent json.RawMessage
	ErrorInfo      json.RawMessage
}

// HeartbeatAck is returned to the device after a heartbeat is persisted.
type HeartbeatAck struct {
	Device        Device
	SyncRequired  bool
	NextHeartbeat time.Duration
}

// NotificationKind enumerates the operational events pushed to devices.
type NotificationKind string

const (
	KindContentUpdate NotificationKind = "content_update"
	KindSystemMessage NotificationKind = "system_message"
	KindReboot        NotificationKind = "reboot"
	KindTestMessage   NotificationKind = "test_message"
)

// NotificationEntry is one row of the per-device delivery backlog. DeliveredAt
// is set at most once and never cleared; a delivered entry is terminal.
type NotificationEntry struct {
	ID          int64
	DeviceID    string
	Kind        NotificationKind
	Payload     json.RawMessage
	Priority    int
	CreatedAt   time.Time
	DeliveredAt time.Time // zero means pending
}

// Delivered reports whether the entry has left the pending backlog.
func (e NotificationEntry) Delivered() bool {
	return !e.DeliveredAt.IsZero()
}

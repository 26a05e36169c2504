package signaged

import "time"

// Policy constants. All are hints or thresholds, not hard limits; each can be
// overridden through configuration where the component is constructed.
const (
	// DefaultResyncAfter is how stale a device's last completed content
	// sync may become before the next heartbeat recommends a full resync.
	DefaultResyncAfter = 5 * time.Minute

	// DefaultHeartbeatInterval is the next-heartbeat hint returned in every
	// heartbeat acknowledgment. The server never enforces it; a missed
	// window just means last_seen_at looks stale to whoever inspects it.
	DefaultHeartbeatInterval = 300 * time.Second

	// DefaultDrainInterval bounds how long a connected session waits
	// before re-checking its backlog when no enqueue wake-up arrives.
	DefaultDrainInterval = 500 * time.Millisecond
)

// ResyncDue reports whether a full content resync should be recommended to a
// device. It is a pure function of the observed clock and the device's sync
// bookkeeping so the policy is testable without a store. A zero lastSyncAt is
// treated as infinitely old, and a device that has never synced (version 0)
// is always due.
func ResyncDue(now, lastSyncAt time.Time, syncVersion int64, threshold time.Duration) bool {
	if syncVersion == 0 {
		return true
	}
	if lastSyncAt.IsZero() {
		return true
	}
	return now.Sub(lastSyncAt) > threshold
}

package store

import (
	"context"

	"github.com/mesophy/signaged"
	pkgerrors "github.com/pkg/errors"
)

// Record appends one heartbeat audit line. The audit table is append-only and
// never read back by this subsystem; failures here are surfaced to the caller
// who treats them as best-effort.
func (s *Store) Record(ctx context.Context, entry signaged.AuditEntry) error {
	if s == nil || s.db == nil {
		return pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	err := execBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO heartbeat_audit (device_id, level, status, detail, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			entry.DeviceID, entry.Level.String(), string(entry.Status),
			nullText(string(entry.Detail)), unixMilli(entry.At))
		return err
	})
	if err != nil {
		return wrapInternal(err, "store: append heartbeat audit failed")
	}
	return nil
}

// CountAuditLines reports how many audit lines exist for a device. Exposed
// for dashboards and tests.
func (s *Store) CountAuditLines(ctx context.Context, deviceID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM heartbeat_audit WHERE device_id = ?`, deviceID).Scan(&count)
	if err != nil {
		return 0, wrapInternal(err, "store: count audit lines failed")
	}
	return count, nil
}

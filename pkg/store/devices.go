package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mesophy/signaged"
	pkgerrors "github.com/pkg/errors"
)

const deviceColumns = `device_id, name, status, last_seen_at, last_sync_at, sync_version`

// ResolveDevice maps an opaque device token to its registry row. It is a pure
// read; unknown tokens fail with signaged.ErrUnauthorized.
func (s *Store) ResolveDevice(ctx context.Context, token string) (signaged.Device, error) {
	if s == nil || s.db == nil {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	if token == "" {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnauthorized, "store: empty device token")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_token = ?`, token)
	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnauthorized, "store: unknown device token")
	}
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: resolve device failed")
	}
	return device, nil
}

// GetDevice looks up a device by its external identifier.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (signaged.Device, error) {
	if s == nil || s.db == nil {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return signaged.Device{}, pkgerrors.Wrapf(signaged.ErrNotFound, "store: device %s", deviceID)
	}
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: get device failed")
	}
	return device, nil
}

// ListDevices returns every provisioned device ordered by identifier.
func (s *Store) ListDevices(ctx context.Context) ([]signaged.Device, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, wrapInternal(err, "store: list devices failed")
	}
	defer rows.Close()
	var devices []signaged.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, wrapInternal(err, "store: scan device row failed")
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapInternal(err, "store: iterate device rows failed")
	}
	return devices, nil
}

// ProvisionDevice inserts a new device row with a freshly issued token and
// returns both. The token is only ever surfaced here; every later lookup goes
// through ResolveDevice.
func (s *Store) ProvisionDevice(ctx context.Context, deviceID, name string) (signaged.Device, string, error) {
	if s == nil || s.db == nil {
		return signaged.Device{}, "", pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	if deviceID == "" {
		return signaged.Device{}, "", pkgerrors.New("store: device id is required")
	}
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, device_token, name, status, sync_version, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		deviceID, token, nullText(name), string(signaged.StatusOffline), unixMilli(time.Now()))
	if err != nil {
		return signaged.Device{}, "", wrapInternal(err, "store: provision device failed")
	}
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return signaged.Device{}, "", err
	}
	return device, token, nil
}

// UpdateHeartbeat applies the patch from one accepted heartbeat. last_seen_at
// is clamped to never regress even if a caller hands in a stale timestamp,
// and the diagnostic snapshots are overwritten with whatever the device
// submitted. The updated row is read back so the acknowledgment reflects the
// state actually persisted.
func (s *Store) UpdateHeartbeat(ctx context.Context, deviceID string, update signaged.HeartbeatUpdate) (signaged.Device, error) {
	if s == nil || s.db == nil {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	seen := unixMilli(update.SeenAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET
			status = ?,
			last_seen_at = MAX(COALESCE(last_seen_at, 0), ?),
			system_info = ?,
			display_info = ?,
			current_content = ?,
			error_info = ?
		 WHERE device_id = ?`,
		string(update.Status), seen,
		nullText(string(update.SystemInfo)),
		nullText(string(update.DisplayInfo)),
		nullText(string(update.CurrentContent)),
		nullText(string(update.ErrorInfo)),
		deviceID)
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: update heartbeat failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: heartbeat rows affected failed")
	}
	if affected == 0 {
		return signaged.Device{}, pkgerrors.Wrapf(signaged.ErrNotFound, "store: device %s", deviceID)
	}
	return s.GetDevice(ctx, deviceID)
}

// RecordSyncCompleted stamps a completed content sync: last_sync_at moves to
// at and sync_version increments. Called by the sync endpoint once a device
// finishes pulling content.
func (s *Store) RecordSyncCompleted(ctx context.Context, deviceID string, at time.Time) (signaged.Device, error) {
	if s == nil || s.db == nil {
		return signaged.Device{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_sync_at = ?, sync_version = sync_version + 1 WHERE device_id = ?`,
		unixMilli(at), deviceID)
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: record sync failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return signaged.Device{}, wrapInternal(err, "store: sync rows affected failed")
	}
	if affected == 0 {
		return signaged.Device{}, pkgerrors.Wrapf(signaged.ErrNotFound, "store: device %s", deviceID)
	}
	return s.GetDevice(ctx, deviceID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (signaged.Device, error) {
	var (
		deviceID    string
		name        sql.NullString
		status      string
		lastSeenAt  sql.NullInt64
		lastSyncAt  sql.NullInt64
		syncVersion int64
	)
	if err := row.Scan(&deviceID, &name, &status, &lastSeenAt, &lastSyncAt, &syncVersion); err != nil {
		return signaged.Device{}, err
	}
	return signaged.Device{
		DeviceID:    deviceID,
		Name:        textOrEmpty(name),
		Status:      signaged.DeviceStatus(status),
		LastSeenAt:  timeFromMilli(lastSeenAt),
		LastSyncAt:  timeFromMilli(lastSyncAt),
		SyncVersion: syncVersion,
	}, nil
}

// wrapInternal folds a database error into the ErrInternal taxonomy while
// keeping the underlying cause in the message.
func wrapInternal(err error, msg string) error {
	return pkgerrors.Wrapf(signaged.ErrInternal, "%s: %v", msg, err)
}

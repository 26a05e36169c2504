package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mesophy/signaged"
	pkgerrors "github.com/pkg/errors"
)

// EnqueueNotification appends one entry to the device's backlog. The id is
// creation-ordered (AUTOINCREMENT) and created_at is assigned here; both
// together fix the per-device delivery order.
func (s *Store) EnqueueNotification(ctx context.Context, deviceID string, kind signaged.NotificationKind, payload json.RawMessage, priority int) (signaged.NotificationEntry, error) {
	if s == nil || s.db == nil {
		return signaged.NotificationEntry{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	createdAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (device_id, kind, payload, priority, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		deviceID, string(kind), nullText(string(payload)), priority, unixMilli(createdAt))
	if err != nil {
		return signaged.NotificationEntry{}, wrapInternal(err, "store: enqueue notification failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return signaged.NotificationEntry{}, wrapInternal(err, "store: notification insert id failed")
	}
	return signaged.NotificationEntry{
		ID:        id,
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: createdAt.Truncate(time.Millisecond),
	}, nil
}

// ListPending returns the undelivered backlog for one device in FIFO order:
// created_at ascending, ties broken by id. This ordering is load-bearing for
// the delivery guarantee and must not change.
func (s *Store) ListPending(ctx context.Context, deviceID string) ([]signaged.NotificationEntry, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, kind, payload, priority, created_at, delivered_at
		 FROM notifications
		 WHERE device_id = ? AND delivered_at IS NULL
		 ORDER BY created_at ASC, id ASC`, deviceID)
	if err != nil {
		return nil, wrapInternal(err, "store: list pending notifications failed")
	}
	defer rows.Close()
	var entries []signaged.NotificationEntry
	for rows.Next() {
		entry, err := scanNotification(rows)
		if err != nil {
			return nil, wrapInternal(err, "store: scan notification row failed")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapInternal(err, "store: iterate notification rows failed")
	}
	return entries, nil
}

// GetNotification reads one entry by id.
func (s *Store) GetNotification(ctx context.Context, id int64) (signaged.NotificationEntry, error) {
	if s == nil || s.db == nil {
		return signaged.NotificationEntry{}, pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, kind, payload, priority, created_at, delivered_at
		 FROM notifications WHERE id = ?`, id)
	entry, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return signaged.NotificationEntry{}, pkgerrors.Wrapf(signaged.ErrNotFound, "store: notification %d", id)
	}
	if err != nil {
		return signaged.NotificationEntry{}, wrapInternal(err, "store: get notification failed")
	}
	return entry, nil
}

// MarkDelivered flips one entry from pending to delivered. The update is a
// single-row conditional write guarded on delivered_at IS NULL, so marking an
// already-delivered entry affects zero rows and is a no-op success. That
// idempotence is what makes crash-retry bookkeeping safe.
func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	if s == nil || s.db == nil {
		return pkgerrors.Wrap(signaged.ErrUnavailable, "store: not open")
	}
	err := execBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE notifications SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
			unixMilli(at), id)
		return err
	})
	if err != nil {
		return wrapInternal(err, "store: mark notification delivered failed")
	}
	return nil
}

func scanNotification(row rowScanner) (signaged.NotificationEntry, error) {
	var (
		id          int64
		deviceID    string
		kind        string
		payload     sql.NullString
		priority    int
		createdAt   sql.NullInt64
		deliveredAt sql.NullInt64
	)
	if err := row.Scan(&id, &deviceID, &kind, &payload, &priority, &createdAt, &deliveredAt); err != nil {
		return signaged.NotificationEntry{}, err
	}
	var raw json.RawMessage
	if payload.Valid && payload.String != "" {
		raw = json.RawMessage(payload.String)
	}
	return signaged.NotificationEntry{
		ID:          id,
		DeviceID:    deviceID,
		Kind:        signaged.NotificationKind(kind),
		Payload:     raw,
		Priority:    priority,
		CreatedAt:   timeFromMilli(createdAt),
		DeliveredAt: timeFromMilli(deliveredAt),
	}, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Binding records which device identity a machine was last bound to.
type Binding struct {
	DisplayName string    `json:"display_name"`
	DeviceID    string    `json:"device_id"`
	Endpoint    string    `json:"endpoint"`
	BoundAt     time.Time `json:"bound_at"`
}

// BindingChange is one entry of the rebinding log.
type BindingChange struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	OldDeviceID string    `json:"old_device_id"`
	NewDeviceID string    `json:"new_device_id"`
	Endpoint    string    `json:"endpoint"`
	CreatedAt   time.Time `json:"created_at"`
}

func scanTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.Local)
	return t
}

// GetBinding returns the stored binding for a machine, or nil when the
// machine has never been bound.
func (db *DB) GetBinding(ctx context.Context, displayName string) (*Binding, error) {
	b := &Binding{}
	var boundAt string
	err := db.QueryRowContext(ctx, `SELECT display_name, device_id, endpoint, bound_at FROM bindings WHERE display_name = ?`, displayName).
		Scan(&b.DisplayName, &b.DeviceID, &b.Endpoint, &boundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.BoundAt = scanTime(boundAt)
	return b, nil
}

// ListBindings returns every stored binding ordered by display name.
func (db *DB) ListBindings(ctx context.Context) ([]Binding, error) {
	rows, err := db.QueryContext(ctx, `SELECT display_name, device_id, endpoint, bound_at FROM bindings ORDER BY display_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		var boundAt string
		if err := rows.Scan(&b.DisplayName, &b.DeviceID, &b.Endpoint, &boundAt); err != nil {
			return nil, err
		}
		b.BoundAt = scanTime(boundAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordBinding upserts the binding for a machine and returns the device id
// it had before, or "" for a new machine. A changed device id is logged to
// binding_log.
func (db *DB) RecordBinding(ctx context.Context, displayName, deviceID, endpoint string) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT device_id FROM bindings WHERE display_name = ?`, displayName).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO bindings (display_name, device_id, endpoint, bound_at)
		VALUES (?, ?, ?, datetime('now','localtime'))
		ON CONFLICT(display_name) DO UPDATE SET device_id=excluded.device_id, endpoint=excluded.endpoint, bound_at=excluded.bound_at`,
		displayName, deviceID, endpoint); err != nil {
		return "", err
	}
	if previous != deviceID {
		if _, err := tx.ExecContext(ctx, `INSERT INTO binding_log (display_name, old_device_id, new_device_id, endpoint) VALUES (?, ?, ?, ?)`,
			displayName, previous, deviceID, endpoint); err != nil {
			return "", err
		}
	}
	return previous, tx.Commit()
}

// ListBindingChanges returns the most recent rebinding entries, newest first.
func (db *DB) ListBindingChanges(ctx context.Context, limit int) ([]BindingChange, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, display_name, old_device_id, new_device_id, endpoint, created_at
		FROM binding_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BindingChange
	for rows.Next() {
		var c BindingChange
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.OldDeviceID, &c.NewDeviceID, &c.Endpoint, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = scanTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

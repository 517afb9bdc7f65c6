package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
)

var _ device.Store = (*Store)(nil)

const deviceColumns = `mac, ip, host, name, notify, first_seen, last_seen,
	manufacturer, manufacturer_status, manufacturer_attempted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*device.Device, error) {
	var (
		d           device.Device
		notify      int
		firstSeen   string
		lastSeen    string
		status      string
		attemptedAt sql.NullString
	)
	if err := row.Scan(&d.MAC, &d.IP, &d.Host, &d.Name, &notify, &firstSeen, &lastSeen,
		&d.Manufacturer, &status, &attemptedAt); err != nil {
		return nil, err
	}

	var err error
	if d.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", err)
	}
	if d.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if attemptedAt.Valid {
		at, err := parseTime(attemptedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing manufacturer_attempted_at: %w", err)
		}
		d.ManufacturerAttemptedAt = &at
	}
	d.Notify = notify != 0
	d.ManufacturerStatus = device.ManufacturerStatus(status)
	return &d, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, mac string) (*device.Device, error) {
	d, err := scanDevice(tx.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE mac = ?", mac))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, d *device.Device) error {
	var attemptedAt any
	if d.ManufacturerAttemptedAt != nil {
		attemptedAt = formatTime(*d.ManufacturerAttemptedAt)
	}
	notify := 0
	if d.Notify {
		notify = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			ip = excluded.ip,
			host = excluded.host,
			name = excluded.name,
			notify = excluded.notify,
			last_seen = excluded.last_seen,
			manufacturer = excluded.manufacturer,
			manufacturer_status = excluded.manufacturer_status,
			manufacturer_attempted_at = excluded.manufacturer_attempted_at`,
		d.MAC, d.IP, d.Host, d.Name, notify, formatTime(d.FirstSeen), formatTime(d.LastSeen),
		d.Manufacturer, string(d.ManufacturerStatus), attemptedAt,
	)
	return err
}

// mutate loads mac, hands it to fn (nil when absent) and writes back whatever
// fn returns. Returning nil from fn skips the write.
func (s *Store) mutate(ctx context.Context, mac string, fn func(*device.Device) (*device.Device, error)) (*device.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	current, err := s.getTx(ctx, tx, mac)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", mac, err)
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if err := s.writeTx(ctx, tx, next); err != nil {
		return nil, fmt.Errorf("writing device %s: %w", mac, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing device %s: %w", mac, err)
	}
	return next, nil
}

// Upsert creates the device on first sight or applies a subsequent sighting.
func (s *Store) Upsert(ctx context.Context, mac, ip, host string) (*device.Device, bool, error) {
	if mac == "" {
		return nil, false, device.ErrInvalidMAC
	}
	created := false
	d, err := s.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		now := s.now().UTC()
		if current == nil {
			created = true
			return device.New(mac, ip, host, now), nil
		}
		current.Touch(ip, host, now)
		return current, nil
	})
	if err != nil {
		return nil, false, err
	}
	return d, created, nil
}

// Get returns ErrNotFound for unknown MACs.
func (s *Store) Get(ctx context.Context, mac string) (*device.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE mac = ?", mac))
	if err == sql.ErrNoRows {
		return nil, device.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve device: %w", err)
	}
	return d, nil
}

// List returns every device ordered by first_seen, then MAC.
func (s *Store) List(ctx context.Context) ([]*device.Device, error) {
	return s.query(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY first_seen, mac")
}

// ListByStatus returns devices whose manufacturer status is one of statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...device.ManufacturerStatus) ([]*device.Device, error) {
	if len(statuses) == 0 {
		return []*device.Device{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return s.query(ctx, "SELECT "+deviceColumns+" FROM devices WHERE manufacturer_status IN ("+
		placeholders+") ORDER BY first_seen, mac", args...)
}

// ListFailed returns the MACs currently in failed status.
func (s *Store) ListFailed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT mac FROM devices WHERE manufacturer_status = ? ORDER BY first_seen, mac",
		string(device.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("querying failed devices: %w", err)
	}
	defer rows.Close()

	macs := make([]string, 0)
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		macs = append(macs, mac)
	}
	return macs, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*device.Device, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*device.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// UpdateFields edits the user label and notify flag.
func (s *Store) UpdateFields(ctx context.Context, mac string, update device.FieldUpdate) (*device.Device, error) {
	name, err := device.NormalizeName(update.Name)
	if err != nil {
		return nil, err
	}
	update.Name = name

	return s.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		if current == nil {
			return nil, device.ErrNotFound
		}
		current.Apply(update)
		return current, nil
	})
}

// Delete removes a device; ErrNotFound when absent.
func (s *Store) Delete(ctx context.Context, mac string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE mac = ?", mac)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n == 0 {
		return device.ErrNotFound
	}
	return nil
}

// SetManufacturerStatus records an enrichment transition.
func (s *Store) SetManufacturerStatus(ctx context.Context, mac string, status device.ManufacturerStatus, manufacturer string, attemptedAt *time.Time) error {
	_, err := s.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		if current == nil {
			return nil, device.ErrNotFound
		}
		if err := current.SetManufacturer(status, manufacturer, attemptedAt); err != nil {
			return nil, err
		}
		return current, nil
	})
	return err
}

// MarkPending moves a non-resolved device to pending and returns its prior status.
func (s *Store) MarkPending(ctx context.Context, mac string) (device.ManufacturerStatus, error) {
	var prior device.ManufacturerStatus
	_, err := s.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		if current == nil {
			return nil, device.ErrNotFound
		}
		prior = current.ManufacturerStatus
		switch prior {
		case device.StatusResolved:
			return nil, device.ErrAlreadyResolved
		case device.StatusPending:
			return nil, nil
		}
		current.ManufacturerStatus = device.StatusPending
		current.Manufacturer = ""
		return current, nil
	})
	return prior, err
}

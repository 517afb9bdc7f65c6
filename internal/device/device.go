// Package device defines the presence registry's domain model: the Device record,
// the DHCP-derived Event that drives it, and the Store contract every persistence
// backend implements.
package device

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every Store implementation and the ingest path.
var (
	ErrNotFound        = errors.New("device not found")
	ErrInvalidMAC      = errors.New("invalid MAC address")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrAlreadyResolved = errors.New("manufacturer already resolved")
	ErrInvalidStatus   = errors.New("invalid manufacturer status")
	ErrMissingVendor   = errors.New("resolved status requires a manufacturer name")
	ErrNameTooLong     = errors.New("device name exceeds 255 characters")
)

// MaxNameLength bounds user-assigned labels and hostnames.
const MaxNameLength = 255

// ManufacturerStatus is the enrichment state persisted with each device.
type ManufacturerStatus string

const (
	StatusUnresolved ManufacturerStatus = "unresolved"
	StatusPending    ManufacturerStatus = "pending"
	StatusResolved   ManufacturerStatus = "resolved"
	StatusFailed     ManufacturerStatus = "failed"
)

// Valid reports whether s is one of the four known states.
func (s ManufacturerStatus) Valid() bool {
	switch s {
	case StatusUnresolved, StatusPending, StatusResolved, StatusFailed:
		return true
	}
	return false
}

// Device represents a network device observed through DHCP events
type Device struct {
	MAC                     string             `json:"mac"`
	IP                      string             `json:"ip"`
	Host                    string             `json:"host,omitempty"`
	Name                    string             `json:"name"`
	Notify                  bool               `json:"notify"`
	FirstSeen               time.Time          `json:"first_seen"`
	LastSeen                time.Time          `json:"last_seen"`
	Manufacturer            string             `json:"manufacturer,omitempty"`
	ManufacturerStatus      ManufacturerStatus `json:"manufacturer_status"`
	ManufacturerAttemptedAt *time.Time         `json:"manufacturer_attempted_at,omitempty"`
}

// New returns a freshly observed device.
func New(mac, ip, host string, now time.Time) *Device {
	return &Device{
		MAC:                mac,
		IP:                 ip,
		Host:               host,
		Notify:             true,
		FirstSeen:          now,
		LastSeen:           now,
		ManufacturerStatus: StatusUnresolved,
	}
}

// Touch applies a subsequent sighting. Empty ip/host keep the previous values and
// last_seen never moves backwards.
func (d *Device) Touch(ip, host string, now time.Time) {
	if ip != "" {
		d.IP = ip
	}
	if host != "" {
		d.Host = host
	}
	if now.After(d.LastSeen) {
		d.LastSeen = now
	}
}

// Apply copies the user-editable fields of u onto d.
func (d *Device) Apply(u FieldUpdate) {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Notify != nil {
		d.Notify = *u.Notify
	}
}

// SetManufacturer applies an enrichment transition. attemptedAt is kept when nil.
func (d *Device) SetManufacturer(status ManufacturerStatus, manufacturer string, attemptedAt *time.Time) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if status == StatusResolved && manufacturer == "" {
		return ErrMissingVendor
	}
	if status != StatusResolved {
		manufacturer = ""
	}
	d.ManufacturerStatus = status
	d.Manufacturer = manufacturer
	if attemptedAt != nil {
		at := *attemptedAt
		d.ManufacturerAttemptedAt = &at
	}
	return nil
}

// DisplayName picks the best human label for notifications.
func (d *Device) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Host != "":
		return d.Host
	default:
		return d.MAC
	}
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	c := *d
	if d.ManufacturerAttemptedAt != nil {
		at := *d.ManufacturerAttemptedAt
		c.ManufacturerAttemptedAt = &at
	}
	return &c
}

// FieldUpdate carries the administrative edits accepted by Store.UpdateFields.
// Nil fields are left untouched.
type FieldUpdate struct {
	Name   *string `json:"name,omitempty"`
	Notify *bool   `json:"notify,omitempty"`
}

// Reason explains why a notification is sent.
type Reason string

const (
	ReasonNewDevice   Reason = "new_device"
	ReasonKnownDevice Reason = "known_device_event"
)

// Store is the durable device registry. Implementations must make every per-MAC
// read-modify-write atomic so concurrent upserts never lose a newer last_seen.
type Store interface {
	// Upsert creates the device on first sight or touches ip/host/last_seen.
	// The bool reports whether this call created the record.
	Upsert(ctx context.Context, mac, ip, host string) (*Device, bool, error)

	// Get returns ErrNotFound for unknown MACs.
	Get(ctx context.Context, mac string) (*Device, error)

	// List returns every device ordered by first_seen, then MAC.
	List(ctx context.Context) ([]*Device, error)

	// UpdateFields edits name/notify; never touches presence or manufacturer fields.
	UpdateFields(ctx context.Context, mac string, update FieldUpdate) (*Device, error)

	// Delete removes a device; ErrNotFound when absent.
	Delete(ctx context.Context, mac string) error

	// SetManufacturerStatus is the enrichment write path. attemptedAt nil keeps the old value.
	SetManufacturerStatus(ctx context.Context, mac string, status ManufacturerStatus, manufacturer string, attemptedAt *time.Time) error

	// MarkPending moves a non-resolved device to pending and returns its prior status.
	// Returns ErrAlreadyResolved when the device is resolved.
	MarkPending(ctx context.Context, mac string) (ManufacturerStatus, error)

	// ListByStatus returns devices whose manufacturer status is one of statuses.
	ListByStatus(ctx context.Context, statuses ...ManufacturerStatus) ([]*Device, error)

	// ListFailed returns the MACs currently in failed status.
	ListFailed(ctx context.Context) ([]string, error)

	Close() error
}

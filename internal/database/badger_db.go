// Package database provides the BadgerDB-backed device registry.
//
// BadgerDB is an embedded, pure-Go key-value database with LSM-tree architecture,
// optimized for high write throughput. It requires no external dependencies, which
// keeps the presence service easy to cross-compile for router-class ARM64 hosts.
//
// Data is stored with prefixed keys:
//   - device:<MAC_ADDRESS>   → JSON-serialized device.Device
//   - meta:schema            → storage layout version
//
// Every read-modify-write on a device runs inside a single Badger transaction
// while holding a per-MAC stripe lock, so concurrent events for the same MAC are
// serialized and never lose a newer last_seen.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/errors"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
)

// Key prefix constants
const (
	DevicePrefix = "device:"
	MetaPrefix   = "meta:"
)

const (
	schemaVersion      = "1"
	lockStripes        = 64
	maxConflictRetries = 3
)

// Options configures the Badger store.
type Options struct {
	Path       string
	InMemory   bool
	GCInterval time.Duration
	Clock      func() time.Time
}

// DatabaseManager manages BadgerDB operations
type DatabaseManager struct {
	db     *badger.DB
	path   string
	logger *logger.Logger
	now    func() time.Time

	stripes [lockStripes]sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ device.Store = (*DatabaseManager)(nil)

// NewDatabaseManager opens (or creates) the registry at path.
func NewDatabaseManager(path string) (*DatabaseManager, error) {
	return Open(context.Background(), Options{Path: path, GCInterval: 5 * time.Minute})
}

// Open initializes a DatabaseManager. Opening is retried with backoff because a
// previous process may still be releasing the directory lock.
func Open(ctx context.Context, o Options) (*DatabaseManager, error) {
	log := logger.NewComponentLogger("Database")

	opts := badger.DefaultOptions(o.Path)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's default logger

	if o.InMemory {
		log.Info("Opening in-memory database")
	} else {
		log.Info("Opening database at %s", o.Path)
	}

	var db *badger.DB
	err := errors.RetryWithBackoff(ctx, "open database", errors.RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}, func() error {
		var err error
		db, err = badger.Open(opts)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB at %s", o.Path)
	}

	dm := &DatabaseManager{
		db:     db,
		path:   o.Path,
		logger: log,
		now:    o.Clock,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if dm.now == nil {
		dm.now = time.Now
	}

	if err := dm.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if o.GCInterval > 0 && !o.InMemory {
		go dm.gcLoop(o.GCInterval)
	} else {
		close(dm.gcDone)
	}

	log.Info("Database initialized successfully")
	return dm, nil
}

func (dm *DatabaseManager) migrate() error {
	key := []byte(MetaPrefix + "schema")
	return dm.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return txn.Set(key, []byte(schemaVersion))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if string(val) != schemaVersion {
				return fmt.Errorf("unsupported storage schema %q", val)
			}
			return nil
		})
	})
}

func (dm *DatabaseManager) gcLoop(interval time.Duration) {
	defer close(dm.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dm.stopGC:
			return
		case <-ticker.C:
			for dm.db.RunValueLogGC(0.5) == nil {
			}
			dm.logger.Debug("Value log garbage collection finished")
		}
	}
}

// Close gracefully shuts down the database
func (dm *DatabaseManager) Close() error {
	var closeErr error
	dm.once.Do(func() {
		dm.logger.Info("Closing database...")
		close(dm.stopGC)
		<-dm.gcDone

		if err := dm.db.Close(); err != nil {
			dm.logger.Error("Failed to close database: %v", err)
			closeErr = errors.Wrap(err, "failed to close database")
			return
		}
		dm.logger.Info("Database closed successfully")
	})
	return closeErr
}

func (dm *DatabaseManager) lock(mac string) func() {
	h := fnv.New32a()
	h.Write([]byte(mac))
	m := &dm.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// mutate runs fn on the stored device inside one transaction. fn receives nil
// when the device does not exist and returns the record to write (nil = no write).
func (dm *DatabaseManager) mutate(ctx context.Context, mac string, fn func(*device.Device) (*device.Device, error)) (*device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := dm.lock(mac)
	defer unlock()

	key := []byte(DevicePrefix + mac)
	var result *device.Device

	// The stripe lock serializes writers for this MAC; conflicts can only come
	// from a colliding stripe neighbour's transaction and are safe to replay.
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = dm.db.Update(func(txn *badger.Txn) error {
			current, err := getDevice(txn, key)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				result = current
				return nil
			}
			data, err := json.Marshal(next)
			if err != nil {
				return errors.Wrap(err, "failed to serialize device %s", mac)
			}
			result = next
			return txn.Set(key, data)
		})
		if err != badger.ErrConflict {
			break
		}
		dm.logger.Debug("Transaction conflict on %s (attempt %d)", mac, attempt+1)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getDevice(txn *badger.Txn, key []byte) (*device.Device, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d device.Device
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	}); err != nil {
		return nil, err
	}
	return &d, nil
}

// Upsert creates the device on first sight or applies a subsequent sighting.
func (dm *DatabaseManager) Upsert(ctx context.Context, mac, ip, host string) (*device.Device, bool, error) {
	if mac == "" {
		return nil, false, device.ErrInvalidMAC
	}
	created := false
	d, err := dm.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		now := dm.now().UTC()
		if current == nil {
			created = true
			return device.New(mac, ip, host, now), nil
		}
		created = false
		current.Touch(ip, host, now)
		return current, nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to upsert device %s", mac)
	}
	if created {
		dm.logger.Debug("Device %s created", mac)
	}
	return d, created, nil
}

// Get retrieves a device from the database by MAC address
func (dm *DatabaseManager) Get(ctx context.Context, mac string) (*device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d *device.Device
	err := dm.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = getDevice(txn, []byte(DevicePrefix+mac))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve device: %w", err)
	}
	if d == nil {
		return nil, device.ErrNotFound
	}
	return d, nil
}

// List returns every device ordered by first_seen, then MAC.
func (dm *DatabaseManager) List(ctx context.Context) ([]*device.Device, error) {
	return dm.scan(ctx, nil)
}

// ListByStatus returns devices whose manufacturer status is one of statuses.
func (dm *DatabaseManager) ListByStatus(ctx context.Context, statuses ...device.ManufacturerStatus) ([]*device.Device, error) {
	want := make(map[device.ManufacturerStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return dm.scan(ctx, func(d *device.Device) bool { return want[d.ManufacturerStatus] })
}

// ListFailed returns the MACs currently in failed status.
func (dm *DatabaseManager) ListFailed(ctx context.Context) ([]string, error) {
	devices, err := dm.ListByStatus(ctx, device.StatusFailed)
	if err != nil {
		return nil, err
	}
	macs := make([]string, 0, len(devices))
	for _, d := range devices {
		macs = append(macs, d.MAC)
	}
	return macs, nil
}

func (dm *DatabaseManager) scan(ctx context.Context, keep func(*device.Device) bool) ([]*device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := make([]*device.Device, 0)

	err := dm.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(DevicePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var d device.Device
				if err := json.Unmarshal(val, &d); err != nil {
					return err
				}
				if keep == nil || keep(&d) {
					devices = append(devices, &d)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve devices: %w", err)
	}

	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].FirstSeen.Equal(devices[j].FirstSeen) {
			return devices[i].FirstSeen.Before(devices[j].FirstSeen)
		}
		return devices[i].MAC < devices[j].MAC
	})
	return devices, nil
}

// UpdateFields edits the user label and notify flag.
func (dm *DatabaseManager) UpdateFields(ctx context.Context, mac string, update device.FieldUpdate) (*device.Device, error) {
	name, err := device.NormalizeName(update.Name)
	if err != nil {
		return nil, err
	}
	update.Name = name

	return dm.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		if current == nil {
			return nil, device.ErrNotFound
		}
		current.Apply(update)
		return current, nil
	})
}

// Delete removes a device from the database
func (dm *DatabaseManager) Delete(ctx context.Context, mac string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := dm.lock(mac)
	defer unlock()

	key := []byte(DevicePrefix + mac)
	err := dm.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == badger.ErrKeyNotFound {
		return device.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// SetManufacturerStatus records an enrichment transition.
func (dm *DatabaseManager) SetManufacturerStatus(ctx context.Context, mac string, status device.ManufacturerStatus, manufacturer string, attemptedAt *time.Time) error {
	_, err := dm.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
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
func (dm *DatabaseManager) MarkPending(ctx context.Context, mac string) (device.ManufacturerStatus, error) {
	var prior device.ManufacturerStatus
	_, err := dm.mutate(ctx, mac, func(current *device.Device) (*device.Device, error) {
		if current == nil {
			return nil, device.ErrNotFound
		}
		prior = current.ManufacturerStatus
		if prior == device.StatusResolved {
			return nil, device.ErrAlreadyResolved
		}
		if prior == device.StatusPending {
			return nil, nil
		}
		current.ManufacturerStatus = device.StatusPending
		current.Manufacturer = ""
		return current, nil
	})
	if err != nil {
		return prior, err
	}
	return prior, nil
}

// Package state persists the last known device attributes and the issued
// token so a restart does not start blind.
//
// Files are JSON, written atomically (temp file in the same directory,
// fsync, rename). A missing or corrupt file loads as empty state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/logging"
)

// Snapshot is the persisted view of one device.
type Snapshot struct {
	DeviceID   string         `json:"-"`
	Attributes map[string]any `json:"attributes"`
	UpdatedAt  time.Time      `json:"updatedAt"`

	// Stale is set when the snapshot is older than the staleness bound. Stale
	// snapshots are kept but are not authoritative at startup.
	Stale bool `json:"-"`
}

// snapshotFile is the on-disk format.
type snapshotFile struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"savedAt"`
	Devices map[string]*Snapshot `json:"devices"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used to report corrupt files.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStaleAfter overrides the staleness bound.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// Store is the only writer of the snapshot file.
type Store struct {
	path       string
	now        func() time.Time
	logger     *logging.Logger
	staleAfter time.Duration

	mu       sync.Mutex
	devices  map[string]*Snapshot
	dirty    bool
	gen      uint64 // bumped on every change; Save clears dirty only if unchanged
	lastSave time.Time

	saveMu sync.Mutex
}

// NewStore creates a store for path. Nothing is read until Load.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		now:        time.Now,
		logger:     logging.Nop(),
		staleAfter: constants.SnapshotStaleAfter,
		devices:    make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSave = s.now()
	return s
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Load reads the snapshot file, replacing in-memory state. A missing file
// and a corrupt file both yield empty state and a nil error; corruption is
// logged. Only I/O errors other than not-exist are returned.
func (s *Store) Load() (map[string]Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.replace(nil)
		return s.All(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warnf("Device state file %s is corrupt, starting empty: %v", s.path, err)
		s.replace(nil)
		return s.All(), nil
	}
	if f.Version != constants.SnapshotFormatVersion {
		s.logger.Warnf("Device state file %s has unsupported version %d, starting empty", s.path, f.Version)
		s.replace(nil)
		return s.All(), nil
	}

	s.replace(f.Devices)
	all := s.All()
	stale := 0
	for _, snap := range all {
		if snap.Stale {
			stale++
		}
	}
	s.logger.Debugf("Loaded %d device snapshots (%d stale) from %s", len(all), stale, s.path)
	return all, nil
}

func (s *Store) replace(devices map[string]*Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]*Snapshot, len(devices))
	for id, snap := range devices {
		if snap == nil {
			continue
		}
		if snap.Attributes == nil {
			snap.Attributes = map[string]any{}
		}
		snap.DeviceID = id
		s.devices[id] = snap
	}
	s.dirty = false
	s.lastSave = s.now()
}

// Update merges attrs into the snapshot for id and marks the store dirty
// when anything changed. Reports whether it did. An update to a stale
// snapshot always counts as a change: the old values are not a baseline.
func (s *Store) Update(id string, attrs map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap, ok := s.devices[id]
	if !ok {
		snap = &Snapshot{DeviceID: id, Attributes: make(map[string]any, len(attrs))}
		s.devices[id] = snap
	}

	changed := !ok || now.Sub(snap.UpdatedAt) > s.staleAfter
	for k, v := range attrs {
		v = normalizeValue(v)
		if old, present := snap.Attributes[k]; !present || !reflect.DeepEqual(old, v) {
			snap.Attributes[k] = v
			changed = true
		}
	}
	// Unchanged attributes still refresh freshness in memory; they only
	// force a save once the file's timestamps are getting old.
	snap.UpdatedAt = now
	if changed || now.Sub(s.lastSave) > touchSaveInterval {
		s.dirty = true
		s.gen++
	}
	return changed
}

// touchSaveInterval bounds how old persisted timestamps get while devices
// report unchanged attributes.
const touchSaveInterval = time.Hour

// normalizeValue maps integers to float64 so values compare equal before
// and after a JSON round trip.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// Remove drops the snapshot for id.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; ok {
		delete(s.devices, id)
		s.dirty = true
		s.gen++
	}
}

// Get returns a copy of the snapshot for id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.devices[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.copyLocked(snap), true
}

// Fresh reports whether a snapshot for id exists and is within the staleness bound.
func (s *Store) Fresh(id string) bool {
	snap, ok := s.Get(id)
	return ok && !snap.Stale
}

// All returns copies of every snapshot keyed by device id.
func (s *Store) All() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.devices))
	for id, snap := range s.devices {
		out[id] = s.copyLocked(snap)
	}
	return out
}

func (s *Store) copyLocked(snap *Snapshot) Snapshot {
	attrs := make(map[string]any, len(snap.Attributes))
	for k, v := range snap.Attributes {
		attrs[k] = v
	}
	return Snapshot{
		DeviceID:   snap.DeviceID,
		Attributes: attrs,
		UpdatedAt:  snap.UpdatedAt,
		Stale:      s.now().Sub(snap.UpdatedAt) > s.staleAfter,
	}
}

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Save writes the snapshot file if there are unsaved changes.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	f := snapshotFile{
		Version: constants.SnapshotFormatVersion,
		SavedAt: s.now().UTC(),
		Devices: make(map[string]*Snapshot, len(s.devices)),
	}
	for id, snap := range s.devices {
		c := s.copyLocked(snap)
		f.Devices[id] = &c
	}
	gen := s.gen
	data, err := json.MarshalIndent(f, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.dirty = false
	}
	s.lastSave = s.now()
	s.mu.Unlock()
	return nil
}

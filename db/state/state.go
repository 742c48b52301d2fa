// Package state persists the last-known identity and attributes of every
// provisioned resource as a single versioned snapshot.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slugger-infra/decision/iac"
	rerrors "slugger-infra/pkg/errors"
)

// CurrentVersion is the only snapshot layout this build reads. Anything else
// fails closed.
const CurrentVersion = 1

// Record is the persisted state of one resource.
type Record struct {
	ResourceID          string           `json:"resource_id"`
	Kind                iac.ResourceKind `json:"kind"`
	Widget              string           `json:"widget"`
	RemoteIdentity      string           `json:"remote_identity"`
	LastKnownAttributes map[string]any   `json:"attributes"`
	DependsOn           []string         `json:"depends_on,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Records maps resource ID to record.
type Records map[string]*Record

// IDs returns the record IDs sorted.
func (r Records) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone copies the map and every record. Attribute maps are shared; they are
// replaced, never mutated, once written.
func (r Records) Clone() Records {
	out := make(Records, len(r))
	for id, rec := range r {
		c := *rec
		c.DependsOn = append([]string(nil), rec.DependsOn...)
		out[id] = &c
	}
	return out
}

// Identity returns the remote identity of a resource, if recorded.
func (r Records) Identity(id string) (string, bool) {
	rec, ok := r[id]
	if !ok || rec.RemoteIdentity == "" {
		return "", false
	}
	return rec.RemoteIdentity, true
}

// Snapshot is the persisted layout.
type Snapshot struct {
	Version   int       `json:"version"`
	Serial    uint64    `json:"serial"`
	Lineage   string    `json:"lineage"`
	Resources []*Record `json:"resources"`
}

// Encode renders records as a snapshot, resources sorted by ID.
func Encode(records Records, serial uint64, lineage string) ([]byte, error) {
	snap := Snapshot{
		Version:   CurrentVersion,
		Serial:    serial,
		Lineage:   lineage,
		Resources: make([]*Record, 0, len(records)),
	}
	for _, id := range records.IDs() {
		snap.Resources = append(snap.Resources, records[id])
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Decode parses a snapshot. Numbers in attributes are kept as json.Number.
func Decode(data []byte, location string) (*Snapshot, Records, error) {
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, nil, &rerrors.StateCorruptError{Location: location, Reason: "malformed snapshot", Err: err}
	}
	if header.Version == nil {
		return nil, nil, &rerrors.StateCorruptError{Location: location, Reason: "snapshot has no version"}
	}
	if *header.Version != CurrentVersion {
		return nil, nil, &rerrors.StateCorruptError{
			Location: location,
			Reason:   fmt.Sprintf("unknown snapshot version %d (supported: %d)", *header.Version, CurrentVersion),
		}
	}

	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&snap); err != nil {
		return nil, nil, &rerrors.StateCorruptError{Location: location, Reason: "malformed snapshot", Err: err}
	}

	records := make(Records, len(snap.Resources))
	for i, rec := range snap.Resources {
		if rec == nil || rec.ResourceID == "" {
			return nil, nil, &rerrors.StateCorruptError{Location: location, Reason: fmt.Sprintf("resource %d has no id", i)}
		}
		if !rec.Kind.Valid() {
			return nil, nil, &rerrors.StateCorruptError{Location: location, ResourceID: rec.ResourceID, Reason: fmt.Sprintf("unknown kind %q", rec.Kind)}
		}
		if _, dup := records[rec.ResourceID]; dup {
			return nil, nil, &rerrors.StateCorruptError{Location: location, ResourceID: rec.ResourceID, Reason: "duplicate resource"}
		}
		if rec.LastKnownAttributes == nil {
			rec.LastKnownAttributes = map[string]any{}
		}
		records[rec.ResourceID] = rec
	}
	return &snap, records, nil
}

// ErrLocked is returned by a backend whose write lock is held elsewhere.
var ErrLocked = errors.New("state is locked by another writer")

// Backend is an opaque byte store holding one snapshot.
type Backend interface {
	// Location identifies the backend in errors and logs.
	Location() string
	// Read returns the stored snapshot, or nil when nothing has been stored.
	Read(ctx context.Context) ([]byte, error)
	// Write atomically replaces the stored snapshot. Callers hold the lock.
	Write(ctx context.Context, data []byte) error
	// Lock acquires the write lock. The returned function releases it.
	Lock(ctx context.Context) (func() error, error)
}

// Store loads and saves records through a backend.
type Store struct {
	backend Backend

	mu      sync.Mutex
	loaded  bool
	serial  uint64
	lineage string
}

// NewStore creates a store over a backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Location returns the backend location.
func (s *Store) Location() string {
	return s.backend.Location()
}

// Load reads the current snapshot. It takes no lock: backends replace the
// snapshot atomically, so a concurrent reader sees either the old or the new
// snapshot.
func (s *Store) Load(ctx context.Context) (Records, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil, s.unavailable("read failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	if len(data) == 0 {
		s.serial, s.lineage = 0, ""
		return Records{}, nil
	}
	snap, records, err := Decode(data, s.backend.Location())
	if err != nil {
		return nil, err
	}
	s.serial, s.lineage = snap.Serial, snap.Lineage
	return records, nil
}

// Save replaces the whole snapshot under the backend's write lock, released
// on every return path. A save is rejected when the stored snapshot moved on
// since this store last loaded or saved it.
func (s *Store) Save(ctx context.Context, records Records) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.backend.Lock(ctx)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return s.unavailable("locked", err)
		}
		return s.unavailable("lock failed", err)
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = s.unavailable("unlock failed", uerr)
		}
	}()

	current, err := s.backend.Read(ctx)
	if err != nil {
		return s.unavailable("read failed", err)
	}
	serial, lineage := uint64(0), s.lineage
	if len(current) > 0 {
		snap, _, err := Decode(current, s.backend.Location())
		if err != nil {
			return err
		}
		if s.loaded && (snap.Serial != s.serial || snap.Lineage != s.lineage) {
			return s.unavailable(fmt.Sprintf("modified concurrently (serial %d, expected %d)", snap.Serial, s.serial), nil)
		}
		serial, lineage = snap.Serial, snap.Lineage
	}
	if lineage == "" {
		lineage = uuid.NewString()
	}

	data, err := Encode(records, serial+1, lineage)
	if err != nil {
		return &rerrors.StateCorruptError{Location: s.backend.Location(), Reason: "encode failed", Err: err}
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return s.unavailable("write failed", err)
	}
	s.loaded = true
	s.serial, s.lineage = serial+1, lineage
	return nil
}

func (s *Store) unavailable(reason string, err error) error {
	return &rerrors.StateUnavailableError{Location: s.backend.Location(), Reason: reason, Err: err}
}

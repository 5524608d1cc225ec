// Package store persists the learning state of a running router: bandit
// posteriors, breaker states and budget windows.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/inferroute/pkg/bandit"
	"github.com/zen-systems/inferroute/pkg/budget"
	"github.com/zen-systems/inferroute/pkg/health"
)

// ErrNotFound is returned by Load when no snapshot was saved yet.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = 1

// Snapshot is a point-in-time copy of the router state.
type Snapshot struct {
	Version    int                     `json:"version"`
	TakenAt    time.Time               `json:"taken_at"`
	Posteriors []bandit.PosteriorState `json:"posteriors"`
	Health     []health.ProviderState  `json:"health"`
	Budget     []budget.Window         `json:"budget"`
}

// State groups the components a snapshot is taken from.
type State struct {
	Bandit *bandit.Router
	Health *health.Tracker
	Budget *budget.Ledger
}

// Capture copies the current state. Nil components are skipped.
func (s State) Capture(now time.Time) *Snapshot {
	snap := &Snapshot{Version: SnapshotVersion, TakenAt: now.UTC()}
	if s.Bandit != nil {
		snap.Posteriors = s.Bandit.Snapshot()
	}
	if s.Health != nil {
		snap.Health = s.Health.Snapshot()
	}
	if s.Budget != nil {
		snap.Budget = s.Budget.Snapshot()
	}
	return snap
}

// Apply restores snap into the components.
func (s State) Apply(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if s.Bandit != nil {
		s.Bandit.Restore(snap.Posteriors)
	}
	if s.Health != nil {
		s.Health.Restore(snap.Health)
	}
	if s.Budget != nil {
		s.Budget.Restore(snap.Budget)
	}
	return nil
}

// Store saves and loads snapshots.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the most recent snapshot or ErrNotFound.
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Open returns the store described by location:
//
//	memory
//	file:<dir>
//	sqlite:<path>
//	postgres:<dsn>
//
// A postgres:// URL is passed to the driver whole.
func Open(location string) (Store, error) {
	location = strings.TrimSpace(location)
	kind, arg, _ := strings.Cut(location, ":")
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(arg)
	case "sqlite":
		return OpenSQLite(arg)
	case "postgres", "postgresql":
		if strings.HasPrefix(arg, "//") {
			arg = location
		}
		return OpenPostgres(arg)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// MemoryStore keeps the last snapshot in memory.
type MemoryStore struct {
	mu   sync.Mutex
	last []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.last = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	data := m.last
	m.mu.Unlock()
	if data == nil {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (m *MemoryStore) Close() error { return nil }

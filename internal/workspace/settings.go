// Package workspace caches per-workspace override settings so the hot
// composition path does not hit the database on every request.
package workspace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/storage"
)

// ErrInvalid wraps settings validation failures.
var ErrInvalid = errors.New("invalid workspace settings")

const defaultTTL = 60 * time.Second

// SettingsStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type SettingsStore interface {
	GetWorkspaceSettings(workspaceID string) (storage.WorkspaceSettings, error)
	UpsertWorkspaceSettings(ws storage.WorkspaceSettings) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	settings storage.WorkspaceSettings
	at       time.Time
}

// Manager provides cached access to workspace settings rows.
type Manager struct {
	store SettingsStore
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store SettingsStore) *Manager {
	return NewManagerWithClock(store, realClock{}, defaultTTL)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store SettingsStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the settings for a workspace, reading through the cache.
// A workspace without a settings row yields the zero value and no
// error; absent rows are not cached, so a first write becomes visible
// immediately.
func (m *Manager) Get(workspaceID string) (storage.WorkspaceSettings, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cache[workspaceID]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		m.mu.RUnlock()
		return copySettings(e.settings), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if e, ok := m.cache[workspaceID]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		return copySettings(e.settings), nil
	}

	ws, err := m.store.GetWorkspaceSettings(workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.WorkspaceSettings{}, nil
	}
	if err != nil {
		return storage.WorkspaceSettings{}, fmt.Errorf("loading workspace settings: %w", err)
	}

	m.cache[workspaceID] = cacheEntry{settings: ws, at: m.clock.Now()}
	return copySettings(ws), nil
}

// Set validates and persists the settings, then drops the cached entry
// so the next read sees the new row. The update timestamp is stamped
// here.
func (m *Manager) Set(ws storage.WorkspaceSettings) error {
	if ws.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if ws.InjectionStrategy != "" && !injection.ValidStrategy(injection.Strategy(ws.InjectionStrategy)) {
		return fmt.Errorf("%w: unknown injection strategy %q", ErrInvalid, ws.InjectionStrategy)
	}
	if ws.TotalBudget < 0 || ws.ResponseReserve < 0 {
		return fmt.Errorf("%w: budgets must not be negative", ErrInvalid)
	}
	if ws.TotalBudget > 0 && ws.ResponseReserve >= ws.TotalBudget {
		return fmt.Errorf("%w: response reserve %d leaves no room in budget %d", ErrInvalid, ws.ResponseReserve, ws.TotalBudget)
	}
	if ws.DecayRate < 0 || ws.DecayRate >= 1 {
		return fmt.Errorf("%w: decay rate %v outside [0, 1)", ErrInvalid, ws.DecayRate)
	}

	ws.UpdatedAt = m.clock.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.UpsertWorkspaceSettings(ws); err != nil {
		return fmt.Errorf("storing workspace settings: %w", err)
	}
	delete(m.cache, ws.WorkspaceID)
	return nil
}

// copySettings detaches the pointer field so cached state cannot be
// mutated through a returned value.
func copySettings(ws storage.WorkspaceSettings) storage.WorkspaceSettings {
	if ws.LastSweepAt != nil {
		t := *ws.LastSweepAt
		ws.LastSweepAt = &t
	}
	return ws
}

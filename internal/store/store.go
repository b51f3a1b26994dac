// Package store defines the persistence contract the engine, the
// protocol FSMs, and the ranking engine depend on, and an in-memory fake
// implementation for tests. The default production implementation lives
// in internal/store/postgres.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/needs/teerank/internal/model"
)

// ErrNotFound names the "absent" outcome as distinct from a transient
// backend failure. The lookups in this package and in
// internal/store/postgres do not return it: LoadGameServer reports an
// absent record as nil, nil and GetElo falls back to the default rating.
var ErrNotFound = errors.New("store: not found")

// MasterServerRecord tracks a master server's discovery state.
type MasterServerRecord struct {
	Address     string
	DownSince   *time.Time
	GameServers []string
}

// Store is the full persistence surface the daemon consumes, split into
// facets so each component depends on only what it needs.
type Store interface {
	GameServerStore
	MasterServerStore
	EloStore
	ClanStore

	ListGameServers() ([]string, error)
	ListMasterServers() ([]string, error)
}

// GameServerStore persists game-server snapshots.
type GameServerStore interface {
	LoadGameServer(address string) (*model.Snapshot, error)
	SaveGameServer(address string, snap model.Snapshot) error
}

// MasterServerStore persists master-server discovery state.
type MasterServerStore interface {
	SetMasterServerUp(address string, gameServers []string) error
	SetMasterServerDown(address string) error
}

// EloStore persists per-(player, gameType, map) Elo ratings, defaulting
// to 1500 for a key never seen before.
type EloStore interface {
	GetElo(player string, gameType, mapName *string) (float64, error)
	SetElo(player string, gameType, mapName *string, elo float64) error
}

// ClanStore is the optional supplement that records which clans have been
// observed. A no-op implementation is valid; clan tracking never gates
// ranking or snapshot persistence.
type ClanStore interface {
	UpsertClans(clans []string) error
}

const defaultElo = 1500

// Memory is an in-memory Store, a reference implementation of the
// interface's semantics. The engine and ranking tests use their own
// narrower fakes rather than Memory.
type Memory struct {
	mu sync.Mutex

	gameServers   map[string]model.Snapshot
	masterServers map[string]MasterServerRecord
	elos          map[string]float64
	clans         map[string]int
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		gameServers:   map[string]model.Snapshot{},
		masterServers: map[string]MasterServerRecord{},
		elos:          map[string]float64{},
		clans:         map[string]int{},
	}
}

func eloKey(player string, gameType, mapName *string) string {
	k := player + "\x00"
	if gameType != nil {
		k += *gameType
	}
	k += "\x00"
	if mapName != nil {
		k += *mapName
	}
	return k
}

// LoadGameServer returns the last persisted snapshot for address, or nil
// if none exists.
func (m *Memory) LoadGameServer(address string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.gameServers[address]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// SaveGameServer persists snap as the latest state for address.
func (m *Memory) SaveGameServer(address string, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gameServers[address] = snap
	return nil
}

// SetMasterServerUp marks address up and replaces its game-server set.
func (m *Memory) SetMasterServerUp(address string, gameServers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masterServers[address] = MasterServerRecord{
		Address:     address,
		DownSince:   nil,
		GameServers: gameServers,
	}
	return nil
}

// SetMasterServerDown marks address down, preserving the first-failure
// timestamp across repeated failures.
func (m *Memory) SetMasterServerDown(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.masterServers[address]
	if !ok {
		rec = MasterServerRecord{Address: address}
	}
	if rec.DownSince == nil {
		now := time.Now()
		rec.DownSince = &now
	}
	m.masterServers[address] = rec
	return nil
}

// GetElo returns the rating for the given key, defaulting to 1500.
func (m *Memory) GetElo(player string, gameType, mapName *string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.elos[eloKey(player, gameType, mapName)]; ok {
		return v, nil
	}
	return defaultElo, nil
}

// SetElo stores elo for the given key.
func (m *Memory) SetElo(player string, gameType, mapName *string, elo float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elos[eloKey(player, gameType, mapName)] = elo
	return nil
}

// UpsertClans increments the observed-player-count for each clan tag.
func (m *Memory) UpsertClans(clans []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range clans {
		m.clans[c]++
	}
	return nil
}

// ClanCount returns how many times a clan tag has been observed across
// UpsertClans calls; exists for test assertions.
func (m *Memory) ClanCount(clan string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clans[clan]
}

// ListGameServers returns every known game-server address.
func (m *Memory) ListGameServers() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.gameServers))
	for a := range m.gameServers {
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// ListMasterServers returns every known master-server address.
func (m *Memory) ListMasterServers() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.masterServers))
	for a := range m.masterServers {
		addrs = append(addrs, a)
	}
	return addrs, nil
}

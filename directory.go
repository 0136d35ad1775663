package ridecore

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Directory is the external user directory. The core only reads from
// it; lookup failures degrade to showing the raw user id.
type Directory interface {
	DisplayName(userID string) (string, error)
	TeamMembers(teamID string) ([]string, error)
}

var ErrNotFound = errors.New("not found")

// StaticDirectory is an in-memory Directory, used in tests and in
// simulate mode. The production directory lives behind the same
// interface in whatever service embeds the core.
type StaticDirectory struct {
	mu    sync.RWMutex
	names map[string]string
	teams map[string][]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		names: make(map[string]string),
		teams: make(map[string][]string),
	}
}

func (d *StaticDirectory) AddUser(userID, displayName string) {
	d.mu.Lock()
	d.names[userID] = displayName
	d.mu.Unlock()
}

func (d *StaticDirectory) AddTeam(teamID string, userIDs ...string) {
	d.mu.Lock()
	d.teams[teamID] = append(d.teams[teamID], userIDs...)
	d.mu.Unlock()
}

func (d *StaticDirectory) DisplayName(userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[userID]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	return name, nil
}

func (d *StaticDirectory) TeamMembers(teamID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.teams[teamID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "team %s", teamID)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// nameCache caches directory lookups so the ingest path does not hit
// the directory on every sample. Failed lookups are cached too, for a
// shorter time, and fall back to the raw id.
type nameCache struct {
	dir Directory
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]nameCacheEntry
}

type nameCacheEntry struct {
	name string
	ok   bool
	at   time.Time
}

const nameFailureTTL = time.Minute

func newNameCache(dir Directory, ttl time.Duration) *nameCache {
	return &nameCache{
		dir:     dir,
		ttl:     ttl,
		entries: make(map[string]nameCacheEntry),
	}
}

func (c *nameCache) displayName(userID string) string {
	c.mu.Lock()
	e, cached := c.entries[userID]
	c.mu.Unlock()
	if cached {
		ttl := c.ttl
		if !e.ok {
			ttl = nameFailureTTL
		}
		if time.Since(e.at) < ttl {
			if e.ok {
				return e.name
			}
			return userID
		}
	}

	name, err := c.dir.DisplayName(userID)
	e = nameCacheEntry{name: name, ok: err == nil, at: time.Now()}
	c.mu.Lock()
	c.entries[userID] = e
	c.mu.Unlock()
	if err != nil {
		return userID
	}
	return name
}

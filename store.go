package ridecore

import (
	"sync"
)

// Store is the shared map from user id to latest live state. The map
// itself is guarded by an RWMutex taken only to look entries up; each
// entry carries its own lock, so upserts for different users never
// contend. The store performs no I/O. Liveness is never stored; it is
// derived from the snapshot at read time.
type Store struct {
	mu    sync.RWMutex
	users map[string]*storeEntry
}

type storeEntry struct {
	mu    sync.Mutex
	state UserLiveState
}

func NewStore() *Store {
	return &Store{
		users: make(map[string]*storeEntry),
	}
}

func (s *Store) entry(userID string) *storeEntry {
	s.mu.RLock()
	e, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.users[userID]; ok {
		return e
	}
	e = &storeEntry{state: UserLiveState{UserID: userID}}
	s.users[userID] = e
	return e
}

// Upsert applies a partial update atomically and returns the resulting
// snapshot. LastUpdated never goes backwards: an update carrying an
// older timestamp still lands its fields, but the newer timestamp and
// its source kind are kept.
func (s *Store) Upsert(userID string, up StateUpdate) UserLiveState {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.state
	if up.DisplayName != nil {
		st.DisplayName = *up.DisplayName
	}
	if up.HeartRate != nil {
		st.HeartRate = *up.HeartRate
	}
	if up.BreathFrequency != nil {
		st.BreathFrequency = *up.BreathFrequency
	}
	if up.HRV != nil {
		st.HRV = *up.HRV
	}
	if up.Intensity != nil {
		st.Intensity = *up.Intensity
	}
	if up.Speed != nil {
		st.Speed = *up.Speed
	}
	if up.Fix != nil {
		fix := *up.Fix
		st.LastGPSFix = &fix
	}
	if !up.Timestamp.Before(st.LastUpdated) {
		st.LastUpdated = up.Timestamp
		st.LastUpdatedBy = up.Kind
	}
	return *st
}

// Get returns a snapshot of the user's state.
func (s *Store) Get(userID string) (UserLiveState, bool) {
	s.mu.RLock()
	e, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return UserLiveState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// GetAll returns snapshots for the requested ids; unknown ids are
// simply absent from the result.
func (s *Store) GetAll(userIDs []string) map[string]UserLiveState {
	out := make(map[string]UserLiveState, len(userIDs))
	for _, id := range userIDs {
		if st, ok := s.Get(id); ok {
			out[id] = st
		}
	}
	return out
}

// Remove drops the user's state on session teardown.
func (s *Store) Remove(userID string) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

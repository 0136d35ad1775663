package ridecore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpsertPartial(t *testing.T) {
	s := NewStore()

	st := s.Upsert("u1", StateUpdate{
		HeartRate: f64ptr(70),
		Timestamp: time.UnixMilli(1000),
		Kind:      KindHeartRate,
	})
	assert.Equal(t, float64(70), st.HeartRate)
	assert.Equal(t, time.UnixMilli(1000), st.LastUpdated)
	assert.Equal(t, KindHeartRate, st.LastUpdatedBy)

	// a later update for another field leaves the heart rate alone
	st = s.Upsert("u1", StateUpdate{
		HRV:       f64ptr(15811.4),
		Timestamp: time.UnixMilli(2000),
		Kind:      KindBeatInterval,
	})
	assert.Equal(t, float64(70), st.HeartRate)
	assert.Equal(t, 15811.4, st.HRV)
	assert.Equal(t, KindBeatInterval, st.LastUpdatedBy)
}

func TestStoreTimestampMonotonic(t *testing.T) {
	s := NewStore()
	s.Upsert("u1", StateUpdate{
		HeartRate: f64ptr(70),
		Timestamp: time.UnixMilli(5000),
		Kind:      KindHeartRate,
	})
	// an older cross-transport update still lands its field but cannot
	// move LastUpdated backwards
	st := s.Upsert("u1", StateUpdate{
		BreathFrequency: f64ptr(20),
		Timestamp:       time.UnixMilli(1000),
		Kind:            KindBreathFrequency,
	})
	assert.Equal(t, float64(20), st.BreathFrequency)
	assert.Equal(t, time.UnixMilli(5000), st.LastUpdated)
	assert.Equal(t, KindHeartRate, st.LastUpdatedBy)
}

func TestStoreGet(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("u1")
	assert.False(t, ok)

	s.Upsert("u1", StateUpdate{HeartRate: f64ptr(70), Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})
	st, ok := s.Get("u1")
	require.True(t, ok)
	assert.Equal(t, float64(70), st.HeartRate)
}

func TestStoreGetAll(t *testing.T) {
	s := NewStore()
	s.Upsert("u1", StateUpdate{HeartRate: f64ptr(70), Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})
	s.Upsert("u2", StateUpdate{HeartRate: f64ptr(80), Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})

	all := s.GetAll([]string{"u1", "u2", "u3"})
	assert.Len(t, all, 2)
	assert.Equal(t, float64(70), all["u1"].HeartRate)
	assert.Equal(t, float64(80), all["u2"].HeartRate)
}

func TestStoreRemove(t *testing.T) {
	s := NewStore()
	s.Upsert("u1", StateUpdate{HeartRate: f64ptr(70), Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})
	s.Remove("u1")
	_, ok := s.Get("u1")
	assert.False(t, ok)
}

func TestStoreFixCopied(t *testing.T) {
	s := NewStore()
	fix := &GPSFix{Latitude: 1, Longitude: 2}
	st := s.Upsert("u1", StateUpdate{Fix: fix, Timestamp: time.UnixMilli(1000), Kind: KindGPSFix})
	fix.Latitude = 99
	assert.Equal(t, float64(1), st.LastGPSFix.Latitude, "stored fix must not alias the update")
}

// upserts for one user must not block upserts for another: while u1's
// entry lock is held, a u2 upsert has to complete
func TestStoreNoCrossUserBlocking(t *testing.T) {
	s := NewStore()
	s.Upsert("u1", StateUpdate{Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})

	e := s.entry("u1")
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.Upsert("u2", StateUpdate{HeartRate: f64ptr(80), Timestamp: time.UnixMilli(1000), Kind: KindHeartRate})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upsert for a different user blocked behind an unrelated entry lock")
	}
}

func TestStoreConcurrentUpserts(t *testing.T) {
	s := NewStore()
	const users = 8
	const upserts = 200

	wg := sync.WaitGroup{}
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("u%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= upserts; i++ {
				s.Upsert(userID, StateUpdate{
					HeartRate: f64ptr(float64(i)),
					Timestamp: time.UnixMilli(int64(i)),
					Kind:      KindHeartRate,
				})
			}
		}()
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		st, ok := s.Get(fmt.Sprintf("u%d", u))
		require.True(t, ok)
		assert.Equal(t, float64(upserts), st.HeartRate)
		assert.Equal(t, time.UnixMilli(upserts), st.LastUpdated)
	}
}

package ridecore

import (
	"math"
	"sync"
	"time"
)

const (
	// gravity compensation constant used by the acceleration-to-speed
	// heuristic. The heuristic itself is intentionally naive and kept
	// for parity with the phone app's behavior; keep it isolated here.
	standardGravity = 9.8

	// how long a GPS-reported speed keeps precedence over the
	// acceleration-derived estimate.
	gpsSpeedFreshFor = 10 * time.Second

	// retained beat intervals per user, for diagnostics only. HRV is
	// always recomputed over the arriving batch.
	beatWindowCapacity = 128
)

// test injection point for GPS-speed freshness
var derivationNow = time.Now

// StateUpdate is a partial UserLiveState change produced by the
// derivation engine; nil fields are left untouched by the store.
type StateUpdate struct {
	DisplayName     *string
	HeartRate       *float64
	BreathFrequency *float64
	HRV             *float64
	Intensity       *float64
	Speed           *float64
	Fix             *GPSFix
	Timestamp       time.Time
	Kind            SampleKind
}

// DerivationEngine holds the small per-user history needed to turn
// samples into state updates: latest acceleration per axis, the last
// speeds seen from each source, and a bounded beat-interval window.
type DerivationEngine struct {
	mu    sync.RWMutex
	users map[string]*derivationState
}

type derivationState struct {
	mu         sync.Mutex
	accel      [3]float64
	accelSpeed float64 // m/s, from the acceleration heuristic
	gpsSpeedAt time.Time
	beats      *beatRing
}

func NewDerivationEngine() *DerivationEngine {
	return &DerivationEngine{
		users: make(map[string]*derivationState),
	}
}

func (e *DerivationEngine) state(userID string) *derivationState {
	e.mu.RLock()
	st, ok := e.users[userID]
	e.mu.RUnlock()
	if ok {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.users[userID]; ok {
		return st
	}
	st = &derivationState{beats: newBeatRing(beatWindowCapacity)}
	e.users[userID] = st
	return st
}

// Remove drops the per-user history when the owning session ends.
func (e *DerivationEngine) Remove(userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
}

// Update derives a partial state update from one sample. Insufficient
// data (for example a single-element beat-interval batch) skips only
// the affected field; the timestamp and source kind always update.
func (e *DerivationEngine) Update(sample SensorSample) StateUpdate {
	st := e.state(sample.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	up := StateUpdate{
		Timestamp: sample.Timestamp,
		Kind:      sample.Kind,
	}

	switch sample.Kind {
	case KindHeartRate:
		up.HeartRate = f64ptr(mean(sample.Values))

	case KindBreathFrequency:
		up.BreathFrequency = f64ptr(mean(sample.Values))

	case KindBeatInterval:
		st.beats.push(sample.Values)
		if hrv, ok := rmssd(sample.Values); ok {
			up.HRV = f64ptr(hrv)
		}

	case KindAccelerationX, KindAccelerationY, KindAccelerationZ:
		st.accel[sample.Kind-KindAccelerationX] = sample.Values[len(sample.Values)-1]
		magnitude := math.Sqrt(st.accel[0]*st.accel[0] +
			st.accel[1]*st.accel[1] +
			st.accel[2]*st.accel[2])
		st.accelSpeed = math.Abs(magnitude - standardGravity)
		up.Intensity = f64ptr(magnitude)
		if !st.gpsSpeedFresh() {
			up.Speed = f64ptr(st.accelSpeed)
		}

	case KindGPSFix:
		up.Fix = sample.Fix
		if sample.Fix != nil && sample.Fix.Speed != nil {
			st.gpsSpeedAt = derivationNow()
			up.Speed = f64ptr(*sample.Fix.Speed)
		}

	case KindPhoneSpeed:
		// phone-reported speed comes from the positioning stack and is
		// treated with the same authority as a GPS fix speed
		st.gpsSpeedAt = derivationNow()
		up.Speed = f64ptr(mean(sample.Values))
	}

	return up
}

func (st *derivationState) gpsSpeedFresh() bool {
	return !st.gpsSpeedAt.IsZero() && derivationNow().Sub(st.gpsSpeedAt) < gpsSpeedFreshFor
}

// RecentBeatIntervals returns a copy of the retained beat-interval
// window for the user, oldest first.
func (e *DerivationEngine) RecentBeatIntervals(userID string) []float64 {
	e.mu.RLock()
	st, ok := e.users[userID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.beats.snapshot()
}

// rmssd computes the root-mean-square of successive differences over
// the batch, scaled by 1000 to match the app's unit convention. Batches
// shorter than two intervals produce no value.
func rmssd(intervals []float64) (float64, bool) {
	if len(intervals) < 2 {
		return 0, false
	}
	var sumSq float64
	for i := 1; i < len(intervals); i++ {
		d := intervals[i] - intervals[i-1]
		sumSq += d * d
	}
	return math.Sqrt(sumSq/float64(len(intervals)-1)) * 1000, true
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func f64ptr(v float64) *float64 {
	return &v
}

// beatRing is a fixed-capacity ring of recent beat intervals.
type beatRing struct {
	buf   []float64
	next  int
	count int
}

func newBeatRing(capacity int) *beatRing {
	return &beatRing{buf: make([]float64, capacity)}
}

func (r *beatRing) push(values []float64) {
	for _, v := range values {
		r.buf[r.next] = v
		r.next = (r.next + 1) % len(r.buf)
		if r.count < len(r.buf) {
			r.count++
		}
	}
}

func (r *beatRing) snapshot() []float64 {
	out := make([]float64, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

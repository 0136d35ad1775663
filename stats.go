package ridecore

import "sync/atomic"

// CoreStats counts data-level events that are contained rather than
// propagated: rejected payloads never crash anything, they show up
// here instead.
type CoreStats struct {
	SamplesIngested atomic.Int64
	SamplesDropped  atomic.Int64
	UnknownKinds    atomic.Int64
}

type StatsSnapshot struct {
	SamplesIngested int64
	SamplesDropped  int64
	UnknownKinds    int64
}

func (s *CoreStats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		SamplesIngested: s.SamplesIngested.Load(),
		SamplesDropped:  s.SamplesDropped.Load(),
		UnknownKinds:    s.UnknownKinds.Load(),
	}
}

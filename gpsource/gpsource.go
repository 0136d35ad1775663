// Package gpsource adapts the phone's positioning stack. A Provider
// delivers fixes through a callback; the source gates them on a
// minimum interval so a chatty provider cannot flood the core.
package gpsource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrPermissionDenied = errors.New("location permission denied")

// MinUpdateInterval is the floor on the emit interval regardless of
// configuration.
const MinUpdateInterval = 500 * time.Millisecond

// Fix is one positioning result. Latitude and longitude are always
// present; pointer fields are nil when the provider did not report
// them. Speed is in m/s.
type Fix struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  *float64
	Speed     *float64
	Bearing   *float64
	Timestamp time.Time
}

// Provider is the platform positioning backend. Available reports the
// capability/permission check; Start blocks, invoking emit for every
// provider update, until the context ends or the provider fails.
type Provider interface {
	Available() bool
	Start(ctx context.Context, emit func(Fix)) error
	Close() error
}

// Source throttles a Provider into a fixes channel.
type Source struct {
	provider Provider
	interval time.Duration
	fixes    chan<- Fix

	mu   sync.Mutex
	last time.Time

	throttled atomic.Int64
}

func New(provider Provider, interval time.Duration, fixes chan<- Fix) *Source {
	if interval < MinUpdateInterval {
		interval = MinUpdateInterval
	}
	return &Source{
		provider: provider,
		interval: interval,
		fixes:    fixes,
	}
}

func (s *Source) Name() string {
	return "gps"
}

// Open fails with ErrPermissionDenied when the positioning capability
// is unavailable; nothing is ever emitted in that case.
func (s *Source) Open() error {
	if !s.provider.Available() {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Source) Close() error {
	return s.provider.Close()
}

func (s *Source) Start(ctx context.Context) error {
	return s.provider.Start(ctx, s.handleFix)
}

func (s *Source) handleFix(fix Fix) {
	now := time.Now()
	s.mu.Lock()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		s.throttled.Add(1)
		return
	}
	s.last = now
	s.mu.Unlock()

	if fix.Timestamp.IsZero() {
		fix.Timestamp = now
	}
	select {
	case s.fixes <- fix:
	default:
	}
}

// ThrottledFixes reports provider updates suppressed by the minimum
// interval.
func (s *Source) ThrottledFixes() int64 {
	return s.throttled.Load()
}

package ridecore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// variables so tests can run without delays
var (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// test injection point for the backoff sleep
var retrySleep = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Retryable is a transport that can be (re)opened after a failure.
// Transport-level errors are contained here: they are logged, the
// transport is closed and reopened with backoff, and nothing propagates
// past this loop except context cancellation.
type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}

func retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	delay := retryBaseDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithError(err).Errorf("%s: reconnecting due to error", r.Name())
				if cerr := r.Close(); cerr != nil {
					log.WithError(cerr).Warnf("%s: unable to close", r.Name())
				}
				if serr := retrySleep(ctx, delay); serr != nil {
					return serr
				}
				delay *= 2
				if delay > retryMaxDelay {
					delay = retryMaxDelay
				}
			}
			err = r.Open()
			if err != nil {
				continue
			}
		}
		started := time.Now()
		err = r.Start(ctx)
		// a transport that ran for a while before failing gets a
		// fresh backoff schedule
		if time.Since(started) > retryMaxDelay {
			delay = retryBaseDelay
		}
	}
}

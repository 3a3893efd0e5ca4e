// Package backoff converts transient errors into time delays via random
// exponential backoff. It is used while waiting for a peer to publish its
// endpoint during connection establishment.
package backoff

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrPermanent can be wrapped by a Report function to stop retrying.
var ErrPermanent = errors.New("permanent failure")

// Retry calls try repeatedly until it returns without an error,
// with the default exponential backoff configuration.
//
// Retry keeps trying until it succeeds or ctx is cancelled.
// If ctx was already cancelled on the call to Retry, it returns ctx.Err()
// without calling try.
func Retry(ctx context.Context, try func() error) error {
	return Config{}.Retry(ctx, try)
}

// Config holds the parameters of exponential backoff.
//
// Report, if non-nil, is called with every failed attempt and may return a
// non-nil error to abort the loop when waiting will not help.
// If nil, failures are logged at debug level.
type Config struct {
	Report  func(error) error
	MinWait time.Duration
	MaxWait time.Duration
}

func defaultReport(err error) error {
	slog.Debug("retrying", "err", err)
	return nil
}

// Retry calls try repeatedly until it returns without an error,
// using exponential backoff configuration c.
func (c Config) Retry(ctx context.Context, try func() error) error {
	if c.Report == nil {
		c.Report = defaultReport
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	backoff := c.MinWait
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	for {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		elapsed := time.Since(before)

		if err := c.Report(err); err != nil {
			return err
		}

		// the duration of the attempt itself is the minimum wait
		if backoff <= elapsed {
			backoff = elapsed
		}
		backoff += time.Duration(rand.Int64N(int64(backoff)))
		if c.MaxWait > 0 && backoff > c.MaxWait {
			backoff = c.MaxWait
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

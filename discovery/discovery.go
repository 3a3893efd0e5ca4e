package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luca-patrignani/cosim/backoff"
)

// ErrNotFound is returned by Lookup while a name has not been published.
var ErrNotFound = errors.New("endpoint not published")

// Directory maps endpoint names to network addresses.
type Directory interface {
	// Publish makes address reachable under name, replacing any previous entry.
	Publish(name, address string) error

	// Lookup returns the address published under name, or ErrNotFound.
	Lookup(name string) (string, error)

	// Remove deletes the entry. Removing a missing entry is not an error.
	Remove(name string) error
}

// waiter is implemented by directories that can block on a name more
// efficiently than polling.
type waiter interface {
	Wait(ctx context.Context, name string) (string, error)
}

// Wait blocks until name is published in dir or ctx is done.
func Wait(ctx context.Context, dir Directory, name string) (string, error) {
	if w, ok := dir.(waiter); ok {
		return w.Wait(ctx, name)
	}
	var address string
	cfg := backoff.Config{
		MaxWait: 100 * time.Millisecond,
		Report: func(err error) error {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return errors.Join(backoff.ErrPermanent, err)
		},
	}
	err := cfg.Retry(ctx, func() error {
		a, err := dir.Lookup(name)
		if err != nil {
			return err
		}
		address = a
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for endpoint %q: %w", name, err)
	}
	return address, nil
}

// EndpointName derives the directory key of the link between an acceptor
// and a requester. Both sides compute the same key independently.
func EndpointName(acceptor, requester string) string {
	return sanitize(acceptor) + "-" + sanitize(requester)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		}
		return '_'
	}, name)
}

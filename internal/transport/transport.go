// Package transport moves encoded envelopes between replicas. Every
// implementation reports link events to a Receiver and accepts outbound
// frames through Send.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTransportFailure wraps every delivery failure; callers retry with
// backoff.
var ErrTransportFailure = errors.New("transport failure")

// Receiver is notified of link lifecycle and inbound frames.
type Receiver interface {
	HandleConnected()
	HandleDisconnected(err error)
	HandleData(data []byte)
}

// Sender delivers a frame to the remote side of a link.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// NewBackOff returns an exponential policy that never gives up.
func (c BackoffConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.Initial > 0 {
		b.InitialInterval = c.Initial
	}
	if c.Max > 0 {
		b.MaxInterval = c.Max
	}
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

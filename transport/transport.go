// Package transport defines the endpoint and channel contracts the session
// core runs on. An endpoint is one addressable transport identity per
// participant per room; channels are labeled bidirectional streams between
// two endpoints. Implementations live in memnet (in-process) and wsnet
// (websocket).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrAddressTaken means another live endpoint already owns the id.
	ErrAddressTaken = errors.New("transport: address taken")
	// ErrClosed is returned by operations on a closed endpoint or channel.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownEndpoint means the remote id cannot be resolved or reached.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
)

// Message is one inbound channel payload. Binary marks media frames; text
// payloads carry wire envelopes.
type Message struct {
	Binary bool
	Data   []byte
}

type Channel interface {
	Label() string
	LocalID() string
	RemoteID() string
	Send(data []byte) error
	SendBinary(data []byte) error
	// Recv blocks until a message arrives or the channel closes, in which
	// case it returns ErrClosed.
	Recv() (Message, error)
	Close() error
}

type Endpoint interface {
	ID() string
	Dial(ctx context.Context, remoteID, label string) (Channel, error)
	// Accept blocks until an inbound channel arrives or the endpoint closes.
	Accept() (Channel, error)
	// Close tears the endpoint down, waits for the teardown to complete or
	// the context to expire, and is safe to call more than once.
	Close(ctx context.Context) error
}

type Network interface {
	Open(ctx context.Context, endpointID string) (Endpoint, error)
}

const (
	openRetryAttempts      = 5
	openRetryInitialDelay  = 200 * time.Millisecond
	openRetryMaxDelay      = 3 * time.Second
	openRetryRandomization = 0.2
)

// OpenWithRetry opens an endpoint, retrying a bounded number of times with
// exponential backoff while the address is still held by a prior session.
// Any partially opened attempt is fully closed before the next try. Other
// transport failures abort immediately.
func OpenWithRetry(ctx context.Context, network Network, endpointID string) (Endpoint, error) {
	var endpoint Endpoint
	attempt := func() error {
		ep, err := network.Open(ctx, endpointID)
		if err == nil {
			endpoint = ep
			return nil
		}
		if ep != nil {
			ep.Close(ctx)
		}
		if errors.Is(err, ErrAddressTaken) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = openRetryInitialDelay
	policy.MaxInterval = openRetryMaxDelay
	policy.RandomizationFactor = openRetryRandomization

	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, openRetryAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return endpoint, nil
}

package core

import (
	"context"

	"github.com/dkeye/mathminds/internal/domain"
)

//go:generate mockgen -destination mock_core/mock_core.go -package mock_core github.com/dkeye/mathminds/internal/core SignalConnection

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client end of the rendezvous connection.
type SignalChannel interface {
	// Send delivers env best-effort. It queues while the transport is down
	// and fails with ErrChannelClosed after the channel was closed.
	Send(ctx context.Context, env domain.SignalEnvelope) error
	// OnEnvelope sets the single consumer of inbound envelopes.
	// Envelopes are delivered one at a time in arrival order.
	OnEnvelope(func(domain.SignalEnvelope))
	// OnSelfID sets the callback fired once per established connection.
	OnSelfID(func(domain.PeerID))
}

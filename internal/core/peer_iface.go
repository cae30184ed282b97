package core

import (
	"context"

	"github.com/dkeye/mathminds/internal/domain"
)

// PeerConnection is one negotiation attempt with a single remote peer.
// It only produces and consumes opaque payloads; routing them is the caller's job.
type PeerConnection interface {
	// InitiateOffer adds the local tracks and returns the offer payload (caller role).
	InitiateOffer(ctx context.Context, local *MediaHandle) ([]byte, error)
	// AcceptOffer applies a remote offer and returns the answer payload (callee role).
	AcceptOffer(ctx context.Context, offer []byte, local *MediaHandle) ([]byte, error)
	// ApplyRemoteAnswer completes negotiation for the caller role.
	ApplyRemoteAnswer(answer []byte) error
	// OnRemoteStream fires once per successful negotiation.
	OnRemoteStream(func(*MediaHandle))
	// OnFailure fires on negotiation timeout or transport failure. Terminal.
	OnFailure(func(error))
	// Destroy closes the connection and releases the remote handle. Idempotent.
	Destroy()
}

type PeerFactory interface {
	NewPeer(remote domain.PeerID) (PeerConnection, error)
}

package domain

import "fmt"

// PeerID is the self id the rendezvous server hands out per connection.
type PeerID string

type SignalKind int

const (
	SignalOffer SignalKind = iota + 1
	SignalAnswer
	SignalReject
	SignalHangup
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalReject:
		return "reject"
	case SignalHangup:
		return "hangup"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// SignalEnvelope is the unit exchanged with the rendezvous server.
// Payload is an opaque negotiation blob; only the peer connection adapter
// knows how to read it.
type SignalEnvelope struct {
	Kind        SignalKind
	From        PeerID
	To          PeerID
	DisplayName string
	Reason      string
	Payload     []byte
}

// IncomingCallRequest is an offer waiting for the local user to answer.
type IncomingCallRequest struct {
	From        PeerID `json:"from"`
	DisplayName string `json:"displayName"`
	Offer       []byte `json:"-"`
}

// Reject reasons sent with SignalReject.
const (
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
)

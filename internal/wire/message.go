// Package wire is the JSON text protocol spoken over the signaling websocket.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/mathminds/internal/domain"
)

const (
	TypeMe           = "me"
	TypeCallUser     = "callUser"
	TypeAnswerCall   = "answerCall"
	TypeCallAccepted = "callAccepted"
	TypeRejectCall   = "rejectCall"
	TypeCallRejected = "callRejected"
	TypeEndCall      = "endCall"
	TypeCallEnded    = "callEnded"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeRename       = "rename"
	TypeWhoAmI       = "whoami"
)

// Error codes carried in Message.Error.
const (
	ErrBadPayload  = "bad_payload"
	ErrRateLimited = "rate_limited"
	ErrInvalidName = "invalid_name"
	ErrUnknownType = "unknown_type"
)

var ErrNotSignal = errors.New("message does not carry a call signal")

// Message is every frame on the wire. Which fields are set depends on Type.
type Message struct {
	Type        string          `json:"type"`
	SelfID      domain.PeerID   `json:"selfId,omitempty"`
	To          domain.PeerID   `json:"to,omitempty"`
	From        domain.PeerID   `json:"from,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Offer       json.RawMessage `json:"offer,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Name        string          `json:"name,omitempty"`
	Username    string          `json:"username,omitempty"`
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Outbound maps a client envelope to the request the server expects.
// Payloads must already be JSON documents.
func Outbound(env domain.SignalEnvelope) (Message, error) {
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return Message{}, errors.New("signal payload is not json")
	}
	m := Message{To: env.To, DisplayName: env.DisplayName}
	switch env.Kind {
	case domain.SignalOffer:
		m.Type = TypeCallUser
		m.Offer = env.Payload
	case domain.SignalAnswer:
		m.Type = TypeAnswerCall
		m.Signal = env.Payload
	case domain.SignalReject:
		m.Type = TypeRejectCall
		m.Reason = env.Reason
	case domain.SignalHangup:
		m.Type = TypeEndCall
	default:
		return Message{}, ErrNotSignal
	}
	return m, nil
}

// Relayed rewrites a client request into what the target receives, stamping
// the sender id assigned by the server.
func Relayed(m Message, from domain.PeerID) (Message, domain.SignalKind, error) {
	out := Message{From: from, To: m.To, DisplayName: m.DisplayName}
	switch m.Type {
	case TypeCallUser:
		out.Type = TypeCallUser
		out.Offer = m.Offer
		return out, domain.SignalOffer, nil
	case TypeAnswerCall:
		out.Type = TypeCallAccepted
		out.Signal = m.Signal
		return out, domain.SignalAnswer, nil
	case TypeRejectCall:
		out.Type = TypeCallRejected
		out.Reason = m.Reason
		return out, domain.SignalReject, nil
	case TypeEndCall:
		out.Type = TypeCallEnded
		return out, domain.SignalHangup, nil
	default:
		return Message{}, 0, ErrNotSignal
	}
}

// Inbound maps a relayed message back to an envelope for the call manager.
func Inbound(m Message) (domain.SignalEnvelope, error) {
	env := domain.SignalEnvelope{From: m.From, To: m.To, DisplayName: m.DisplayName}
	switch m.Type {
	case TypeCallUser:
		env.Kind = domain.SignalOffer
		env.Payload = m.Offer
	case TypeCallAccepted:
		env.Kind = domain.SignalAnswer
		env.Payload = m.Signal
	case TypeCallRejected:
		env.Kind = domain.SignalReject
		env.Reason = m.Reason
	case TypeCallEnded:
		env.Kind = domain.SignalHangup
	default:
		return domain.SignalEnvelope{}, ErrNotSignal
	}
	return env, nil
}

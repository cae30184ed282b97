package core

import "errors"

var (
	// media layer
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")

	// signaling and negotiation layer
	ErrChannelClosed      = errors.New("channel closed")
	ErrBackpressure       = errors.New("backpressure")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrNegotiationFailed  = errors.New("negotiation failed")
	ErrCallRejected       = errors.New("call rejected")
	ErrCallCancelled      = errors.New("call cancelled")
	ErrRemoteHangup       = errors.New("remote hung up")
	ErrConnectionLost     = errors.New("connection lost")

	// contract violations
	ErrInvalidTransition = errors.New("invalid transition")
)

// Reason turns err into a short string the UI can show next to the call button.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "camera or microphone access was denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "camera or microphone is not available"
	case errors.Is(err, ErrChannelClosed):
		return "not connected to the game server"
	case errors.Is(err, ErrNegotiationTimeout):
		return "the other player did not connect in time"
	case errors.Is(err, ErrNegotiationFailed):
		return "could not connect to the other player"
	case errors.Is(err, ErrCallCancelled):
		return "call cancelled"
	case errors.Is(err, ErrRemoteHangup):
		return "the other player left the call"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the game server was lost"
	default:
		return err.Error()
	}
}

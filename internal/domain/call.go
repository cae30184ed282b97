package domain

import "fmt"

type CallState int

const (
	CallIdle CallState = iota
	CallOutgoing
	CallIncomingRinging
	CallConnected
	CallEnding
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoing:
		return "outgoing"
	case CallIncomingRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallEnding:
		return "ending"
	default:
		return "unknown"
	}
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CallState) UnmarshalText(b []byte) error {
	for st := CallIdle; st <= CallEnding; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// MediaConstraints selects which devices a call captures.
type MediaConstraints struct {
	Video bool `json:"video" mapstructure:"video"`
	Audio bool `json:"audio" mapstructure:"audio"`
}

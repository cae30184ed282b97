package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
)

type TapState int32

const (
	TapStateOk TapState = iota
	TapStateMuted
	TapStateDelete
)

func (s TapState) String() string {
	switch s {
	case TapStateOk:
		return "ok"
	case TapStateMuted:
		return "muted"
	case TapStateDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func ParseTapState(s string) (TapState, error) {
	for st := TapStateOk; st <= TapStateDelete; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown tap state %q", s)
}

// Sink consumes RTP from one remote track. Sinks that implement io.Closer
// are closed when their relay stops.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// Tap is a single consumer attached to a relay.
type Tap struct {
	Sink  Sink
	state atomic.Int32 // Zero by default (TapStateOk)
}

func NewTap(sink Sink) *Tap {
	return &Tap{Sink: sink}
}

func (t *Tap) GetState() TapState {
	return TapState(t.state.Load())
}

func (t *Tap) MarkOk() {
	t.state.Store(int32(TapStateOk))
}

func (t *Tap) MarkMuted() {
	t.state.Store(int32(TapStateMuted))
}

func (t *Tap) MarkDelete() {
	t.state.Store(int32(TapStateDelete))
}

package app

import "github.com/dkeye/mathminds/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickPeer
	DropFrame
)

// Policy decides what happens to a peer whose send queue is full.
type Policy interface {
	OnBackPressure(peer core.PeerSession, kind string) BackpressureAction
}

// SimplePolicy kicks slow peers on anything that carries a call, and drops
// housekeeping frames.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.PeerSession, kind string) BackpressureAction {
	switch kind {
	case "pong", "whoami", "error":
		return DropFrame
	default:
		return KickPeer
	}
}

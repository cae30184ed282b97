package app

import (
	"errors"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrPeerUnavailable = errors.New("peer unavailable")

// Switchboard relays call frames between connected peers and tracks who is in
// a call with whom, so a dropped connection can be reported to the other side.
// It never looks inside a frame.
type Switchboard struct {
	Registry *Registry
	Policy   Policy
}

// Route delivers frame from one peer to another and updates the call links
// for kind. It fails with ErrPeerUnavailable when the target is not connected.
func (s *Switchboard) Route(from, to domain.PeerID, kind domain.SignalKind, frame core.Frame) error {
	if _, ok := s.Registry.GetSession(to); !ok || from == to {
		log.Info().Str("module", "app.switchboard").Str("from", string(from)).Str("to", string(to)).
			Str("kind", kind.String()).Msg("target offline")
		return ErrPeerUnavailable
	}

	switch kind {
	case domain.SignalOffer:
		s.Registry.Link(from, to)
	case domain.SignalAnswer:
		s.Registry.Pair(from, to)
	case domain.SignalReject, domain.SignalHangup:
		s.Registry.Unlink(from, to)
	}
	return s.Deliver(to, kind.String(), frame)
}

// Deliver sends frame to a single peer, applying the backpressure policy
// when its queue is full.
func (s *Switchboard) Deliver(to domain.PeerID, kind string, frame core.Frame) error {
	sess, ok := s.Registry.GetSession(to)
	if !ok {
		return ErrPeerUnavailable
	}
	err := sess.Signal().TrySend(frame)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrBackpressure) || s.Policy == nil {
		return err
	}

	switch s.Policy.OnBackPressure(sess, kind) {
	case KickPeer:
		log.Warn().Str("module", "app.switchboard").Str("sid", string(to)).Str("kind", kind).Msg("kicking slow peer")
		s.Kick(to)
	case DropFrame, NoAction:
		log.Debug().Str("module", "app.switchboard").Str("sid", string(to)).Str("kind", kind).Msg("frame dropped")
	}
	return err
}

// Disconnect forgets sid. It returns the peer that was in a call with sid and
// should be told the call ended.
func (s *Switchboard) Disconnect(sid domain.PeerID) (domain.PeerID, bool) {
	linked, ok := s.Registry.Unbind(sid)
	if ok {
		log.Info().Str("module", "app.switchboard").Str("sid", string(sid)).Str("linked", string(linked)).Msg("call partner disconnected")
	}
	return linked, ok
}

func (s *Switchboard) Kick(sid domain.PeerID) {
	sess, ok := s.Registry.GetSession(sid)
	if !ok {
		return
	}
	s.Registry.Cancel(sid)
	if sig := sess.Signal(); sig != nil {
		sig.Close()
	}
}

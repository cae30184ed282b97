package call

import (
	"context"
	"fmt"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog/log"
)

type ending struct {
	cause error
	// notify tells the remote peer, if it already knows about the session.
	notify bool
	// reason goes out with the reject sent when a ringing call ends.
	reason string
}

// terminate runs the single cleanup path: Ending, destroy the peer
// connection, release both handles, optionally notify the remote side, Idle.
// It is a no-op when gen is stale or there is nothing to end.
func (m *Manager) terminate(gen uint64, e ending) bool {
	m.mu.Lock()
	if gen != m.gen || m.state == domain.CallIdle || m.state == domain.CallEnding {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	peer := m.peer
	signaled := m.signaled || prev == domain.CallIncomingRinging
	pc, local, remote := m.pc, m.local, m.remote

	var notice *domain.SignalEnvelope
	if e.notify {
		env := domain.SignalEnvelope{Kind: domain.SignalHangup, From: m.self, To: peer, DisplayName: m.opts.DisplayName}
		if prev == domain.CallIncomingRinging {
			env.Kind = domain.SignalReject
			env.Reason = e.reason
		}
		notice = &env
	}
	if p := m.inflight; p != nil && p.gen == gen {
		p.cancel()
		p.after = notice
		notice = nil
	} else if !signaled {
		notice = nil
	}

	m.stopRingLocked()
	m.gen++
	endGen := m.gen
	m.state = domain.CallEnding
	m.pc, m.local, m.remote, m.incoming = nil, nil, nil, nil
	m.signaled = false
	m.reason = core.Reason(e.cause)
	m.publishLocked()
	m.mu.Unlock()

	logger := log.With().Str("module", "call").Str("peer", string(peer)).Uint64("gen", gen).Logger()

	if pc != nil {
		pc.Destroy()
	}
	m.media.Release(local)
	remote.Release()

	if notice != nil {
		m.notify(*notice)
	}

	m.mu.Lock()
	if m.gen == endGen && m.state == domain.CallEnding {
		m.state = domain.CallIdle
		m.peer = ""
		m.peerName = ""
		m.publishLocked()
	}
	m.mu.Unlock()

	ev := logger.Info()
	if e.cause != nil {
		ev = logger.Warn().Err(e.cause)
	}
	ev.Str("from_state", prev.String()).Msg("call ended")
	return true
}

func (m *Manager) notify(env domain.SignalEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := m.sig.Send(ctx, env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(env.To)).Str("kind", env.Kind.String()).Msg("notify failed")
	}
}

func (m *Manager) handleEnvelope(env domain.SignalEnvelope) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	switch env.Kind {
	case domain.SignalOffer:
		m.handleOffer(env)
	case domain.SignalAnswer:
		m.handleAnswer(env)
	case domain.SignalReject:
		m.handleReject(env)
	case domain.SignalHangup:
		m.handleHangup(env)
	default:
		log.Warn().Str("module", "call").Str("kind", env.Kind.String()).Str("from", string(env.From)).Msg("unknown envelope")
	}
}

func (m *Manager) handleOffer(env domain.SignalEnvelope) {
	m.mu.Lock()
	switch m.state {
	case domain.CallIdle, domain.CallIncomingRinging:
		var displaced domain.PeerID
		if m.incoming != nil && m.incoming.From != env.From {
			displaced = m.incoming.From
		}
		m.stopRingLocked()
		m.gen++
		m.state = domain.CallIncomingRinging
		m.peer = env.From
		m.peerName = env.DisplayName
		m.reason = ""
		m.incoming = &domain.IncomingCallRequest{
			From:        env.From,
			DisplayName: env.DisplayName,
			Offer:       env.Payload,
		}
		m.startRingLocked(m.gen)
		self, name := m.self, m.opts.DisplayName
		m.publishLocked()
		m.mu.Unlock()

		log.Info().Str("module", "call").Str("from", string(env.From)).Str("name", env.DisplayName).Msg("incoming call")
		if displaced != "" {
			log.Info().Str("module", "call").Str("peer", string(displaced)).Msg("incoming call replaced")
			m.notify(domain.SignalEnvelope{Kind: domain.SignalReject, From: self, To: displaced, DisplayName: name, Reason: domain.ReasonBusy})
		}
	default:
		st := m.state
		self, name := m.self, m.opts.DisplayName
		m.mu.Unlock()
		log.Info().Str("module", "call").Str("from", string(env.From)).Str("state", st.String()).Msg("busy, offer rejected")
		m.notify(domain.SignalEnvelope{Kind: domain.SignalReject, From: self, To: env.From, DisplayName: name, Reason: domain.ReasonBusy})
	}
}

func (m *Manager) handleAnswer(env domain.SignalEnvelope) {
	m.mu.Lock()
	sending := m.inflight != nil && m.inflight.gen == m.gen
	if m.state != domain.CallOutgoing || env.From != m.peer || m.pc == nil || !(m.signaled || sending) {
		st := m.state
		m.mu.Unlock()
		log.Warn().Str("module", "call").Str("from", string(env.From)).Str("state", st.String()).Msg("unexpected answer dropped")
		return
	}
	gen, pc := m.gen, m.pc
	m.mu.Unlock()

	if err := pc.ApplyRemoteAnswer(env.Payload); err != nil {
		m.terminate(gen, ending{cause: fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err), notify: true})
		return
	}

	m.mu.Lock()
	if gen == m.gen && m.state == domain.CallOutgoing {
		m.state = domain.CallConnected
		m.peerName = env.DisplayName
		m.publishLocked()
		log.Info().Str("module", "call").Str("peer", string(env.From)).Msg("call accepted")
	}
	m.mu.Unlock()
}

func (m *Manager) handleReject(env domain.SignalEnvelope) {
	m.mu.Lock()
	gen := m.gen
	// A callee that answered has no media yet when the caller vanished
	// before the answer could be relayed.
	match := env.From == m.peer &&
		(m.state == domain.CallOutgoing || (m.state == domain.CallConnected && m.remote == nil))
	m.mu.Unlock()
	if !match {
		return
	}
	reason := env.Reason
	if reason == "" {
		reason = domain.ReasonDeclined
	}
	m.terminate(gen, ending{cause: fmt.Errorf("%w: %s", core.ErrCallRejected, reason)})
}

func (m *Manager) handleHangup(env domain.SignalEnvelope) {
	m.mu.Lock()
	gen := m.gen
	match := m.state != domain.CallIdle && m.state != domain.CallEnding && env.From == m.peer
	m.mu.Unlock()
	if !match {
		return
	}
	m.terminate(gen, ending{cause: core.ErrRemoteHangup})
}

// handleSelfID runs on every (re)connect. A new id means the server forgot
// the old one, so any session tied to it is gone. The remote side still gets
// a notice from the new id in case a frame of ours reached it after all.
func (m *Manager) handleSelfID(id domain.PeerID) {
	m.mu.Lock()
	prev := m.self
	m.self = id
	gen, st := m.gen, m.state
	m.publishLocked()
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("self", string(id)).Str("prev", string(prev)).Msg("self id assigned")
	if st != domain.CallIdle {
		m.terminate(gen, ending{cause: core.ErrConnectionLost, notify: true, reason: domain.ReasonUnavailable})
	}
}

func (m *Manager) startRingLocked(gen uint64) {
	if m.opts.RingTimeout <= 0 {
		return
	}
	m.ringTimer = timeAfterFunc(m.opts.RingTimeout, func() {
		log.Info().Str("module", "call").Uint64("gen", gen).Msg("ring timeout")
		m.terminate(gen, ending{notify: true, reason: domain.ReasonTimeout})
	})
}

func (m *Manager) stopRingLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

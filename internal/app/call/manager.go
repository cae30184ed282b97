// Package call owns the single call session of a player: it routes offers and
// answers between the signaling channel and the peer connection, and tears
// down media and connections on every way a call can end.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog/log"
)

const noticeTimeout = 5 * time.Second

type Options struct {
	DisplayName string
	Constraints domain.MediaConstraints
	// RingTimeout auto-rejects an unanswered incoming call. Zero disables it.
	RingTimeout time.Duration
}

// Manager is the call state machine. All transitions are serialized by mu;
// slow work (device capture, SDP) runs unlocked and is re-validated against
// the session generation before its result is applied.
type Manager struct {
	sig   core.SignalChannel
	media core.MediaSource
	peers core.PeerFactory
	opts  Options

	mu        sync.Mutex
	self      domain.PeerID
	gen       uint64
	state     domain.CallState
	peer      domain.PeerID
	peerName  string
	signaled  bool
	local     *core.MediaHandle
	remote    *core.MediaHandle
	pc        core.PeerConnection
	incoming  *domain.IncomingCallRequest
	ringTimer *time.Timer
	reason    string
	closed    bool
	inflight  *pendingSend

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New wires the manager to sig. It registers the only envelope and self id
// handlers the channel will ever have.
func New(sig core.SignalChannel, media core.MediaSource, peers core.PeerFactory, opts Options) *Manager {
	m := &Manager{
		sig:   sig,
		media: media,
		peers: peers,
		opts:  opts,
		subs:  make(map[int]chan Snapshot),
	}
	sig.OnEnvelope(m.handleEnvelope)
	sig.OnSelfID(m.handleSelfID)
	return m
}

// CallUser starts an outgoing call: capture media, build the peer connection
// and send the offer. It returns once the offer is on its way.
func (m *Manager) CallUser(ctx context.Context, to domain.PeerID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrChannelClosed
	}
	if m.state != domain.CallIdle {
		st := m.state
		m.mu.Unlock()
		return m.invalid("callUser", st)
	}
	if to == "" || to == m.self {
		m.mu.Unlock()
		return m.invalid("callUser(self)", domain.CallIdle)
	}
	m.gen++
	gen := m.gen
	m.state = domain.CallOutgoing
	m.peer = to
	m.peerName = ""
	m.reason = ""
	m.publishLocked()
	m.mu.Unlock()

	logger := log.With().Str("module", "call").Str("peer", string(to)).Uint64("gen", gen).Logger()
	logger.Info().Msg("calling")

	local, err := m.media.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		logger.Warn().Err(err).Msg("local media failed")
		m.terminate(gen, ending{cause: err})
		return fmt.Errorf("call %s: %w", to, err)
	}
	if !m.adoptLocal(gen, local) {
		return fmt.Errorf("call %s: %w", to, core.ErrCallCancelled)
	}

	pc, err := m.newPeer(gen, to)
	if err != nil {
		m.terminate(gen, ending{cause: err})
		return fmt.Errorf("call %s: %w", to, err)
	}
	if pc == nil {
		return fmt.Errorf("call %s: %w", to, core.ErrCallCancelled)
	}

	offer, err := pc.InitiateOffer(ctx, local)
	if err != nil {
		err = fmt.Errorf("%w: offer: %v", core.ErrNegotiationFailed, err)
		m.terminate(gen, ending{cause: err})
		return fmt.Errorf("call %s: %w", to, err)
	}

	if err := m.sendSignal(ctx, gen, domain.SignalEnvelope{Kind: domain.SignalOffer, To: to, Payload: offer}); err != nil {
		return fmt.Errorf("call %s: %w", to, err)
	}
	logger.Info().Int("offer_bytes", len(offer)).Msg("offer sent")
	return nil
}

// AnswerCall accepts the pending incoming call.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.CallIncomingRinging || m.incoming == nil {
		st := m.state
		m.mu.Unlock()
		return m.invalid("answerCall", st)
	}
	req := *m.incoming
	gen := m.gen
	m.stopRingLocked()
	m.incoming = nil
	m.state = domain.CallConnected
	m.signaled = true
	m.publishLocked()
	m.mu.Unlock()

	logger := log.With().Str("module", "call").Str("peer", string(req.From)).Uint64("gen", gen).Logger()
	logger.Info().Str("name", req.DisplayName).Msg("answering")

	local, err := m.media.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		logger.Warn().Err(err).Msg("local media failed")
		m.terminate(gen, ending{cause: err, notify: true})
		return fmt.Errorf("answer %s: %w", req.From, err)
	}
	if !m.adoptLocal(gen, local) {
		return fmt.Errorf("answer %s: %w", req.From, core.ErrCallCancelled)
	}

	pc, err := m.newPeer(gen, req.From)
	if err != nil {
		m.terminate(gen, ending{cause: err, notify: true})
		return fmt.Errorf("answer %s: %w", req.From, err)
	}
	if pc == nil {
		return fmt.Errorf("answer %s: %w", req.From, core.ErrCallCancelled)
	}

	answer, err := pc.AcceptOffer(ctx, req.Offer, local)
	if err != nil {
		err = fmt.Errorf("%w: answer: %v", core.ErrNegotiationFailed, err)
		m.terminate(gen, ending{cause: err, notify: true})
		return fmt.Errorf("answer %s: %w", req.From, err)
	}

	if err := m.sendSignal(ctx, gen, domain.SignalEnvelope{Kind: domain.SignalAnswer, To: req.From, Payload: answer}); err != nil {
		return fmt.Errorf("answer %s: %w", req.From, err)
	}
	logger.Info().Msg("answer sent")
	return nil
}

// RejectCall declines the pending incoming call and tells the caller why.
func (m *Manager) RejectCall(reason string) error {
	m.mu.Lock()
	if m.state != domain.CallIncomingRinging || m.incoming == nil {
		st := m.state
		m.mu.Unlock()
		return m.invalid("rejectCall", st)
	}
	gen := m.gen
	m.mu.Unlock()

	if reason == "" {
		reason = domain.ReasonDeclined
	}
	m.terminate(gen, ending{notify: true, reason: reason})
	return nil
}

// LeaveCall ends whatever session exists. Calling it while idle does nothing.
func (m *Manager) LeaveCall() {
	m.mu.Lock()
	gen, st := m.gen, m.state
	m.mu.Unlock()
	if st == domain.CallIdle || st == domain.CallEnding {
		return
	}
	log.Info().Str("module", "call").Str("state", st.String()).Msg("leaving call")
	m.terminate(gen, ending{notify: true, reason: domain.ReasonDeclined})
}

// Close leaves the current call and stops publishing snapshots.
func (m *Manager) Close() {
	m.LeaveCall()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subsMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
}

func (m *Manager) invalid(op string, st domain.CallState) error {
	err := fmt.Errorf("%w: %s while %s", core.ErrInvalidTransition, op, st)
	log.Error().Err(err).Str("module", "call").Msg("contract violation")
	return err
}

func (m *Manager) adoptLocal(gen uint64, h *core.MediaHandle) bool {
	m.mu.Lock()
	ok := gen == m.gen
	if ok {
		m.local = h
		m.publishLocked()
	}
	m.mu.Unlock()
	if !ok {
		log.Info().Str("module", "call").Uint64("gen", gen).Msg("discarding late local media")
		m.media.Release(h)
	}
	return ok
}

// newPeer returns (nil, nil) when the session went away while the peer was built.
func (m *Manager) newPeer(gen uint64, remote domain.PeerID) (core.PeerConnection, error) {
	pc, err := m.peers.NewPeer(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: peer connection: %v", core.ErrNegotiationFailed, err)
	}
	pc.OnRemoteStream(func(h *core.MediaHandle) { m.handleRemoteStream(gen, h) })
	pc.OnFailure(func(err error) { m.handlePeerFailure(gen, err) })

	m.mu.Lock()
	ok := gen == m.gen
	if ok {
		m.pc = pc
	}
	m.mu.Unlock()
	if !ok {
		log.Info().Str("module", "call").Uint64("gen", gen).Msg("discarding late peer connection")
		pc.Destroy()
		return nil, nil
	}
	return pc, nil
}

// pendingSend is an offer or answer on its way into the channel. A session
// that ends meanwhile parks its notice in after, so the remote side never
// sees the hangup before the frame it refers to.
type pendingSend struct {
	gen    uint64
	cancel context.CancelFunc
	// known is set when the remote side knew about the session before this send.
	known bool
	after *domain.SignalEnvelope
}

// sendSignal stamps env with our identity and hands it to the channel. It
// returns ErrCallCancelled when the session ended before or during the send.
func (m *Manager) sendSignal(ctx context.Context, gen uint64, env domain.SignalEnvelope) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return core.ErrCallCancelled
	}
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingSend{gen: gen, cancel: cancel, known: m.signaled}
	m.inflight = p
	env.From = m.self
	env.DisplayName = m.opts.DisplayName
	m.mu.Unlock()

	err := m.sig.Send(sendCtx, env)

	m.mu.Lock()
	if m.inflight == p {
		m.inflight = nil
	}
	stale := gen != m.gen
	if !stale && err == nil {
		m.signaled = true
	}
	after := p.after
	m.mu.Unlock()

	if stale {
		log.Info().Str("module", "call").Uint64("gen", gen).Str("kind", env.Kind.String()).Bool("sent", err == nil).
			Msg("session ended during send")
		if after != nil && (err == nil || p.known) {
			m.notify(*after)
		}
		return core.ErrCallCancelled
	}
	if err != nil {
		m.terminate(gen, ending{cause: err})
		return err
	}
	return nil
}

func (m *Manager) handleRemoteStream(gen uint64, h *core.MediaHandle) {
	m.mu.Lock()
	ok := gen == m.gen && m.remote == nil &&
		(m.state == domain.CallConnected || m.state == domain.CallOutgoing)
	if ok {
		m.remote = h
		m.publishLocked()
	}
	m.mu.Unlock()
	if !ok {
		log.Info().Str("module", "call").Uint64("gen", gen).Msg("discarding late remote stream")
		h.Release()
		return
	}
	log.Info().Str("module", "call").Uint64("gen", gen).Str("handle", h.ID()).Msg("remote stream attached")
}

func (m *Manager) handlePeerFailure(gen uint64, err error) {
	log.Warn().Err(err).Str("module", "call").Uint64("gen", gen).Msg("peer connection failed")
	m.terminate(gen, ending{cause: err, notify: true})
}

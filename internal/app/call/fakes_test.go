package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeChannel records outbound envelopes. When linked to a switchboard it
// delivers them synchronously to the addressed channel, like the server does.
type fakeChannel struct {
	mu     sync.Mutex
	self   domain.PeerID
	sent   []domain.SignalEnvelope
	onEnv  func(domain.SignalEnvelope)
	onSelf func(domain.PeerID)
	board  *fakeSwitchboard
	err    error
	// beforeSend runs ahead of every send, outside the lock.
	beforeSend func(domain.SignalEnvelope)
	// honorCtx makes sends on a cancelled context fail like a full queue would.
	honorCtx bool
}

func (c *fakeChannel) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if c.beforeSend != nil {
		c.beforeSend(env)
	}
	if c.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, env)
	board, self := c.board, c.self
	c.mu.Unlock()
	if board != nil {
		env.From = self
		board.route(env)
	}
	return nil
}

func (c *fakeChannel) OnEnvelope(fn func(domain.SignalEnvelope)) { c.onEnv = fn }
func (c *fakeChannel) OnSelfID(fn func(domain.PeerID))           { c.onSelf = fn }

func (c *fakeChannel) assign(id domain.PeerID) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
	c.onSelf(id)
}

func (c *fakeChannel) deliver(env domain.SignalEnvelope) { c.onEnv(env) }

func (c *fakeChannel) sentKinds() []domain.SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SignalKind, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Kind)
	}
	return out
}

func (c *fakeChannel) last() domain.SignalEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type fakeSwitchboard struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*fakeChannel
}

func newFakeSwitchboard() *fakeSwitchboard {
	return &fakeSwitchboard{peers: make(map[domain.PeerID]*fakeChannel)}
}

func (b *fakeSwitchboard) join(id domain.PeerID, c *fakeChannel) {
	b.mu.Lock()
	b.peers[id] = c
	c.board = b
	b.mu.Unlock()
	c.assign(id)
}

func (b *fakeSwitchboard) route(env domain.SignalEnvelope) {
	b.mu.Lock()
	dst, ok := b.peers[env.To]
	b.mu.Unlock()
	if ok {
		dst.deliver(env)
	}
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakeMedia hands out handles, optionally failing or blocking on gate.
type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired []*core.MediaHandle
	released int
}

func (f *fakeMedia) Acquire(ctx context.Context, _ domain.MediaConstraints) (*core.MediaHandle, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := core.NewMediaHandle(fmt.Sprintf("local-%d", len(f.acquired)), nil,
		fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo},
		fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio},
	)
	f.acquired = append(f.acquired, h)
	return h, nil
}

func (f *fakeMedia) Release(h *core.MediaHandle) {
	if h.Release() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}
}

func (f *fakeMedia) lastHandle() *core.MediaHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acquired) == 0 {
		return nil
	}
	return f.acquired[len(f.acquired)-1]
}

type fakePeer struct {
	remote domain.PeerID

	mu        sync.Mutex
	onStream  func(*core.MediaHandle)
	onFailure func(error)
	answer    []byte
	offerIn   []byte
	destroyed int
	applyErr  error
}

func (p *fakePeer) InitiateOffer(context.Context, *core.MediaHandle) ([]byte, error) {
	return []byte("offer-to-" + string(p.remote)), nil
}

func (p *fakePeer) AcceptOffer(_ context.Context, offer []byte, _ *core.MediaHandle) ([]byte, error) {
	p.mu.Lock()
	p.offerIn = offer
	p.mu.Unlock()
	return []byte("answer-to-" + string(p.remote)), nil
}

func (p *fakePeer) ApplyRemoteAnswer(answer []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answer = answer
	return p.applyErr
}

func (p *fakePeer) OnRemoteStream(fn func(*core.MediaHandle)) { p.onStream = fn }
func (p *fakePeer) OnFailure(fn func(error))                  { p.onFailure = fn }

func (p *fakePeer) Destroy() {
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
}

// emitStream simulates a negotiated remote stream.
func (p *fakePeer) emitStream() *core.MediaHandle {
	h := core.NewMediaHandle("remote-"+string(p.remote), nil, fakeTrack{id: "remote-cam", kind: webrtc.RTPCodecTypeVideo})
	p.onStream(h)
	return h
}

func (p *fakePeer) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeers) NewPeer(remote domain.PeerID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{remote: remote}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type fixture struct {
	sig   *fakeChannel
	media *fakeMedia
	peers *fakePeers
	m     *Manager
}

func newFixture(name string, opts ...func(*Options)) *fixture {
	o := Options{DisplayName: name, Constraints: domain.MediaConstraints{Video: true, Audio: true}}
	for _, fn := range opts {
		fn(&o)
	}
	f := &fixture{sig: &fakeChannel{}, media: &fakeMedia{}, peers: &fakePeers{}}
	f.m = New(f.sig, f.media, f.peers, o)
	return f
}

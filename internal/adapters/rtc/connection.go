// Package rtc adapts pion peer connections to the call manager. Offers and
// answers carry the full candidate set, so one signaling round trip is
// enough to connect.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

var ErrBadDescription = errors.New("bad session description")

type WebRTCConnection struct {
	pc      *webrtc.PeerConnection
	remote  domain.PeerID
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onStream  func(*core.MediaHandle)
	onFailure func(error)
	stream    *core.MediaHandle
	watchdog  *time.Timer
	failed    bool
	destroyed bool
}

var _ core.PeerConnection = (*WebRTCConnection)(nil)

func newPeer(pc *webrtc.PeerConnection, remote domain.PeerID, timeout time.Duration) *WebRTCConnection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, remote: remote, timeout: timeout, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(c.handleState)
	pc.OnTrack(c.handleTrack)
	return c
}

func (c *WebRTCConnection) OnRemoteStream(fn func(*core.MediaHandle)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnFailure(fn func(error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) InitiateOffer(ctx context.Context, local *core.MediaHandle) ([]byte, error) {
	if err := c.addLocal(local); err != nil {
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.publish(ctx, offer)
}

func (c *WebRTCConnection) AcceptOffer(ctx context.Context, payload []byte, local *core.MediaHandle) ([]byte, error) {
	offer, err := decode(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	if err := c.addLocal(local); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.publish(ctx, answer)
}

func (c *WebRTCConnection) ApplyRemoteAnswer(payload []byte) error {
	answer, err := decode(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(answer)
}

// publish sets sd locally, waits for candidate gathering and returns the
// complete description. It also arms the negotiation watchdog.
func (c *WebRTCConnection) publish(ctx context.Context, sd webrtc.SessionDescription) ([]byte, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, core.ErrCallCancelled
	}
	c.armWatchdog()
	return json.Marshal(c.pc.LocalDescription())
}

func decode(payload []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return sd, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("%w: got %s, want %s", ErrBadDescription, sd.Type, want)
	}
	return sd, nil
}

// addLocal sends every local track and makes sure the session can still
// receive the kinds we have nothing to send for.
func (c *WebRTCConnection) addLocal(local *core.MediaHandle) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range local.Tracks() {
		tl, ok := t.(webrtc.TrackLocal)
		if !ok {
			continue
		}
		sender, err := c.pc.AddTrack(tl)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		have[t.Kind()] = true
		go drainRTCP(sender)
	}

	existing := map[webrtc.RTPCodecType]bool{}
	for _, tr := range c.pc.GetTransceivers() {
		existing[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[kind] || existing[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP keeps the interceptors fed with receiver reports.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) armWatchdog() {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.watchdog != nil || c.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return
	}
	c.watchdog = time.AfterFunc(c.timeout, func() {
		c.fail(fmt.Errorf("%w: no connection after %s", core.ErrNegotiationTimeout, c.timeout))
	})
}

func (c *WebRTCConnection) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *WebRTCConnection) handleState(s webrtc.PeerConnectionState) {
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		c.stopWatchdogLocked()
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		c.fail(fmt.Errorf("%w: transport failed", core.ErrNegotiationFailed))
	}
}

// fail reports the first failure. Nothing is reported after Destroy.
func (c *WebRTCConnection) fail(err error) {
	c.mu.Lock()
	if c.failed || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.stopWatchdogLocked()
	fn := c.onFailure
	c.mu.Unlock()

	log.Warn().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("peer connection failed")
	if fn != nil {
		go fn(err)
	}
}

// handleTrack groups every remote track into a single stream handle.
func (c *WebRTCConnection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Info().
		Str("module", "webrtc").
		Str("peer", string(c.remote)).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("codec", track.Codec().MimeType).
		Msg("OnTrack received")

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	var fire func(*core.MediaHandle)
	h := c.stream
	if h == nil {
		h = core.NewMediaHandle("remote-"+string(c.remote), nil, track)
		c.stream = h
		fire = c.onStream
	} else {
		h.Attach(track)
	}
	c.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go c.requestKeyframes(h, track)
	}
	if fire != nil {
		fire(h)
	}
}

// requestKeyframes asks the sender for a fresh keyframe periodically so a
// late consumer gets a decodable picture.
func (c *WebRTCConnection) requestKeyframes(h *core.MediaHandle, track *webrtc.TrackRemote) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-h.Done():
			return
		case <-t.C:
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := c.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}

// Destroy closes the connection and releases the remote stream. Safe to call
// more than once.
func (c *WebRTCConnection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.stopWatchdogLocked()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.cancel()
	stream.Release()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	}
}

// Package relay reads RTP from remote tracks and fans it out to taps such as
// the recorder.
package relay

import (
	"context"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Source is a remote track. *webrtc.TrackRemote satisfies it.
type Source interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Relay struct {
	Src Source

	mu   sync.RWMutex
	taps map[string]*Tap

	packets atomic.Uint64
	bytes   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src Source, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:    src,
		taps:   make(map[string]*Tap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all taps.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.closeAll(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Warn().Err(err).Msg("relay read RTP error, stopping")
			}
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(len(pkt.Payload)))
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.taps)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for name, tap := range snapshot {
		switch tap.GetState() {
		case TapStateDelete:
			dirty = append(dirty, name)
		case TapStateMuted:
		case TapStateOk:
			if err := tap.Sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("tap", name).
					Msg("relay write RTP error, marking tap as delete")
				tap.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, logger)
	}
}

func (r *Relay) cleanupDeleted(dirty []string, logger *zerolog.Logger) {
	r.mu.Lock()
	removed := make([]*Tap, 0, len(dirty))
	for _, name := range dirty {
		if tap, ok := r.taps[name]; ok {
			removed = append(removed, tap)
			delete(r.taps, name)
		}
	}
	r.mu.Unlock()
	for _, tap := range removed {
		closeSink(tap.Sink, logger)
	}
}

func (r *Relay) closeAll(logger *zerolog.Logger) {
	r.mu.Lock()
	taps := r.taps
	r.taps = make(map[string]*Tap)
	r.mu.Unlock()
	for _, tap := range taps {
		tap.MarkDelete()
		closeSink(tap.Sink, logger)
	}
}

func closeSink(s Sink, logger *zerolog.Logger) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("tap close")
		}
	}
}

func (r *Relay) AddTap(name string, tap *Tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps[name] = tap
}

func (r *Relay) tap(name string) (*Tap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.taps[name]
	return t, ok
}

// Stats is what a relay has moved so far.
type Stats struct {
	TrackID string `json:"trackId"`
	Kind    string `json:"kind"`
	Codec   string `json:"codec"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Taps    int    `json:"taps"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	taps := len(r.taps)
	r.mu.RUnlock()
	return Stats{
		TrackID: r.Src.ID(),
		Kind:    r.Src.Kind().String(),
		Codec:   r.Src.Codec().MimeType,
		Packets: r.packets.Load(),
		Bytes:   r.bytes.Load(),
		Taps:    taps,
	}
}

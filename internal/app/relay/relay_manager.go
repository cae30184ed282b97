package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/rs/zerolog/log"
)

// SinkFactory builds a sink for a newly seen track. A nil sink means the
// factory is not interested in that track.
type SinkFactory interface {
	NewSink(src Source) (Sink, error)
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for src and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, src Source) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("track", src.ID()).
		Str("kind", src.Kind().String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[src.ID()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.cancel()
	}
	m.relays[src.ID()] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go func() {
		relay.loop(relayCtx, &logger)
		m.mu.Lock()
		if m.relays[src.ID()] == relay {
			delete(m.relays, src.ID())
		}
		m.mu.Unlock()
	}()
	return relay
}

// AddTap attaches sink under name to the relay of trackID.
func (m *RelayManager) AddTap(trackID, name string, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[trackID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddTap(name, NewTap(sink))
	return true
}

var ErrUnknownTap = errors.New("unknown relay tap")

// SetTapState moves a tap between ok and muted, or marks it for removal on
// the next packet.
func (m *RelayManager) SetTapState(trackID, name string, st TapState) error {
	m.mu.RLock()
	relay, ok := m.relays[trackID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: track %s", ErrUnknownTap, trackID)
	}
	tap, ok := relay.tap(name)
	if !ok {
		return fmt.Errorf("%w: %s on track %s", ErrUnknownTap, name, trackID)
	}
	switch st {
	case TapStateMuted:
		tap.MarkMuted()
	case TapStateDelete:
		tap.MarkDelete()
	default:
		tap.MarkOk()
	}
	log.Info().Str("module", "relay").Str("track", trackID).Str("tap", name).Str("state", st.String()).Msg("tap state changed")
	return nil
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(trackID string) {
	m.mu.Lock()
	relay, ok := m.relays[trackID]
	if ok {
		delete(m.relays, trackID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.cancel()
}

func (m *RelayManager) Stats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Follow relays every track of h, including tracks attached later, until h
// is released or ctx ends. Each factory gets a chance to tap each track.
func (m *RelayManager) Follow(ctx context.Context, h *core.MediaHandle, factories map[string]SinkFactory) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		seen := map[string]bool{}
		defer func() {
			for id := range seen {
				m.StopRelay(id)
			}
		}()
		for {
			changed := h.Changed()
			for _, t := range h.Tracks() {
				src, ok := t.(Source)
				if !ok || seen[src.ID()] {
					continue
				}
				seen[src.ID()] = true
				m.StartRelay(ctx, src)
				for name, f := range factories {
					m.tapWith(src, name, f)
				}
			}
			select {
			case <-changed:
			case <-h.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *RelayManager) tapWith(src Source, name string, f SinkFactory) {
	sink, err := f.NewSink(src)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("track", src.ID()).Str("tap", name).Msg("sink failed")
		return
	}
	if sink == nil {
		return
	}
	if !m.AddTap(src.ID(), name, sink) {
		closeSink(sink, &log.Logger)
	}
}

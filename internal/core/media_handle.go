package core

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// MediaHandle owns a set of tracks until Release is called.
// A released handle never comes back; acquire a new one instead.
type MediaHandle struct {
	id   string
	stop func()

	mu       sync.Mutex
	tracks   []Track
	released bool
	done     chan struct{}
	changed  chan struct{}
}

func NewMediaHandle(id string, stop func(), tracks ...Track) *MediaHandle {
	return &MediaHandle{
		id:      id,
		stop:    stop,
		tracks:  tracks,
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

func (h *MediaHandle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

func (h *MediaHandle) Tracks() []Track {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Track, len(h.tracks))
	copy(out, h.tracks)
	return out
}

// Attach adds a track that arrived after the handle was handed out.
// Returns false if the handle is already released.
func (h *MediaHandle) Attach(t Track) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.tracks = append(h.tracks, t)
	close(h.changed)
	h.changed = make(chan struct{})
	return true
}

// Changed is closed on the next Attach. Call it again afterwards for the
// following change.
func (h *MediaHandle) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Done is closed once the handle is released.
func (h *MediaHandle) Done() <-chan struct{} {
	return h.done
}

func (h *MediaHandle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release stops all tracks. It reports whether this call did the work.
func (h *MediaHandle) Release() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	tracks := h.tracks
	close(h.done)
	h.mu.Unlock()

	for _, t := range tracks {
		c, ok := t.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.media").Str("handle", h.id).Str("track", t.ID()).Msg("track close")
		}
	}
	if h.stop != nil {
		h.stop()
	}
	log.Debug().Str("module", "core.media").Str("handle", h.id).Int("tracks", len(tracks)).Msg("handle released")
	return true
}

type trackDTO struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func (h *MediaHandle) MarshalJSON() ([]byte, error) {
	tracks := h.Tracks()
	out := struct {
		ID       string     `json:"id"`
		Tracks   []trackDTO `json:"tracks"`
		Released bool       `json:"released"`
	}{
		ID:       h.ID(),
		Tracks:   make([]trackDTO, 0, len(tracks)),
		Released: h.Released(),
	}
	for _, t := range tracks {
		out.Tracks = append(out.Tracks, trackDTO{ID: t.ID(), Kind: t.Kind().String()})
	}
	return json.Marshal(out)
}

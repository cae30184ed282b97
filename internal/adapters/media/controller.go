// Package media captures the local camera and microphone and hands them out
// as releasable handles.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type captureFunc func(ctx context.Context, c domain.MediaConstraints) ([]core.Track, error)

// Controller is the process-wide media source. Each Acquire opens fresh
// devices; releasing the handle closes them.
type Controller struct {
	plat    platform
	capture captureFunc
	seq     atomic.Uint64

	mu     sync.Mutex
	active map[string]*core.MediaHandle
}

var _ core.MediaSource = (*Controller)(nil)

func New() (*Controller, error) {
	p, err := newPlatform()
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	return &Controller{
		plat:    p,
		capture: p.capture,
		active:  make(map[string]*core.MediaHandle),
	}, nil
}

// ConfigureEngine registers the codecs the captured tracks are encoded with.
func (c *Controller) ConfigureEngine(me *webrtc.MediaEngine) error {
	return c.plat.configure(me)
}

func (c *Controller) Acquire(ctx context.Context, cons domain.MediaConstraints) (*core.MediaHandle, error) {
	id := fmt.Sprintf("local-%d", c.seq.Add(1))
	var tracks []core.Track
	if cons.Video || cons.Audio {
		var err error
		tracks, err = c.capture(ctx, cons)
		if err != nil {
			err = classify(err)
			log.Warn().Err(err).Str("module", "media").Bool("video", cons.Video).Bool("audio", cons.Audio).Msg("capture failed")
			return nil, err
		}
	}

	h := core.NewMediaHandle(id, func() { c.forget(id) }, tracks...)
	c.mu.Lock()
	c.active[id] = h
	c.mu.Unlock()
	log.Info().Str("module", "media").Str("handle", id).Int("tracks", len(tracks)).Msg("local media acquired")
	return h, nil
}

// Release stops every track of h. Releasing nil or a released handle is a no-op.
func (c *Controller) Release(h *core.MediaHandle) {
	if h.Release() {
		log.Info().Str("module", "media").Str("handle", h.ID()).Msg("local media released")
	}
}

// Active reports how many handles are still holding devices.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// classify maps driver errors onto the two failures a player can act on.
func classify(err error) error {
	switch {
	case errors.Is(err, core.ErrPermissionDenied), errors.Is(err, core.ErrDeviceUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	case errors.Is(err, fs.ErrPermission), strings.Contains(strings.ToLower(err.Error()), "permission denied"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}
}

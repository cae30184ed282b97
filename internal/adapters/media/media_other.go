//go:build !linux

package media

import (
	"context"
	"errors"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Device capture needs the V4L2 and malgo drivers; elsewhere a player can
// only take calls without sending media.
type platform struct{}

func newPlatform() (platform, error) { return platform{}, nil }

func (platform) configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (platform) capture(context.Context, domain.MediaConstraints) ([]core.Track, error) {
	return nil, errors.Join(core.ErrDeviceUnavailable, errors.New("no capture drivers on this platform"))
}

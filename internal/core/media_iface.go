package core

import (
	"context"

	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Track is one live audio or video track inside a MediaHandle.
// Tracks that also implement io.Closer are closed when the handle is released.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// MediaSource is the local camera and microphone.
type MediaSource interface {
	// Acquire captures local devices. Fails with ErrDeviceUnavailable or ErrPermissionDenied.
	Acquire(ctx context.Context, c domain.MediaConstraints) (*MediaHandle, error)
	// Release stops every track in h. Nil and already released handles are ignored.
	Release(h *MediaHandle)
}

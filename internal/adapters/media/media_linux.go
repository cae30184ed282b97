//go:build linux

package media

import (
	"context"
	"errors"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type platform struct {
	selector *mediadevices.CodecSelector
}

func newPlatform() (platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return platform{}, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return platform{}, err
	}

	return platform{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (p platform) configure(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

// capture opens the devices. GetUserMedia cannot be interrupted, so a
// cancelled caller leaves it running and the tracks are closed once it
// returns.
func (p platform) capture(ctx context.Context, c domain.MediaConstraints) ([]core.Track, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, errors.New("no media devices found")
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only, some MJPEG nodes hand out broken frames
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return tracksOf(r.stream), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func tracksOf(s mediadevices.MediaStream) []core.Track {
	var out []core.Track
	for _, t := range s.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("local track ended")
			}
		})
		out = append(out, t)
	}
	return out
}

// Package record writes remote tracks to disk: VP8 into IVF and Opus into
// Ogg containers.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/mathminds/internal/app/relay"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type Recorder struct {
	dir string
	now func() time.Time
}

var _ relay.SinkFactory = (*Recorder)(nil)

func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// NewSink opens a file for src. Codecs without a container are skipped.
func (r *Recorder) NewSink(src relay.Source) (relay.Sink, error) {
	codec := src.Codec()
	base := fmt.Sprintf("%s-%s-%s", r.now().Format("20060102-150405"), src.Kind(), sanitize(src.ID()))

	var (
		sink relay.Sink
		path string
		err  error
	)
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path = filepath.Join(r.dir, base+".ivf")
		sink, err = ivfwriter.New(path)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path = filepath.Join(r.dir, base+".ogg")
		sink, err = oggwriter.New(path, codec.ClockRate, channels)
	default:
		log.Info().Str("module", "record").Str("track", src.ID()).Str("codec", codec.MimeType).Msg("no container for codec, not recording")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	log.Info().Str("module", "record").Str("track", src.ID()).Str("file", path).Msg("recording")
	return sink, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

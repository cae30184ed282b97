package record

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	id    string
	kind  webrtc.RTPCodecType
	codec webrtc.RTPCodecCapability
}

func (s stubSource) ID() string                { return s.id }
func (s stubSource) Kind() webrtc.RTPCodecType { return s.kind }
func (s stubSource) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: s.codec}
}

func (s stubSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "rec"))
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestRecorder_Containers(t *testing.T) {
	r := newTestRecorder(t)

	cases := []struct {
		name  string
		src   stubSource
		file  string
		magic string
	}{
		{"vp8", stubSource{"cam/1", webrtc.RTPCodecTypeVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}, "20260102-030405-video-cam_1.ivf", "DKIF"},
		{"opus", stubSource{"mic", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}, "20260102-030405-audio-mic.ogg", "OggS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink, err := r.NewSink(tc.src)
			require.NoError(t, err)
			require.NotNil(t, sink)
			require.NoError(t, sink.(io.Closer).Close())

			data, err := os.ReadFile(filepath.Join(r.dir, tc.file))
			require.NoError(t, err)
			require.Equal(t, tc.magic, string(data[:4]))
		})
	}
}

func TestRecorder_SkipsUnknownCodec(t *testing.T) {
	r := newTestRecorder(t)
	sink, err := r.NewSink(stubSource{"x", webrtc.RTPCodecTypeVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}})
	require.NoError(t, err)
	require.Nil(t, sink)
}

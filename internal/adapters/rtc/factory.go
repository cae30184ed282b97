package rtc

import (
	"time"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CodecConfigurer registers the codecs local tracks are encoded with.
type CodecConfigurer interface {
	ConfigureEngine(*webrtc.MediaEngine) error
}

// DefaultCodecs registers pion's default codec set.
type DefaultCodecs struct{}

func (DefaultCodecs) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

type Options struct {
	ICEServers []string
	// NegotiationTimeout bounds the time from offer/answer to a connected
	// transport. Zero disables the watchdog.
	NegotiationTimeout time.Duration
	// Loopback gathers host candidates on the loopback interface only.
	Loopback bool
}

// Factory builds peer connections sharing one pion API.
type Factory struct {
	api  *webrtc.API
	conf webrtc.Configuration
	opts Options
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(codecs CodecConfigurer, opts Options) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := codecs.ConfigureEngine(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// a brief NAT hiccup should not end the call
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		se.SetInterfaceFilter(func(name string) bool { return name == "lo" || name == "lo0" })
	}

	conf := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	log.Info().Str("module", "webrtc").Strs("ice_servers", opts.ICEServers).Dur("negotiation_timeout", opts.NegotiationTimeout).Msg("peer factory ready")
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		conf: conf,
		opts: opts,
	}, nil
}

func (f *Factory) NewPeer(remote domain.PeerID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, err
	}
	return newPeer(pc, remote, f.opts.NegotiationTimeout), nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MATHMINDS"

type Config struct {
	Mode       string          `mapstructure:"mode"`
	Port       int             `mapstructure:"port"`
	StaticPath string          `mapstructure:"static_path"`
	ReadLimit  int64           `mapstructure:"read_limit"`
	PingPeriod time.Duration   `mapstructure:"ping_period"`
	Secret     string          `mapstructure:"secret"`
	LogLevel   string          `mapstructure:"log_level"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Peer       PeerConfig      `mapstructure:"peer"`
}

// RateLimitConfig bounds how many calls one user may start per interval.
type RateLimitConfig struct {
	Calls    int           `mapstructure:"calls"`
	Interval time.Duration `mapstructure:"interval"`
}

// PeerConfig is read by the headless call participant only.
type PeerConfig struct {
	ServerURL          string                  `mapstructure:"server_url"`
	DisplayName        string                  `mapstructure:"display_name"`
	ICEServers         []string                `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration           `mapstructure:"negotiation_timeout"`
	RingTimeout        time.Duration           `mapstructure:"ring_timeout"`
	ControlPort        int                     `mapstructure:"control_port"`
	RecordDir          string                  `mapstructure:"record_dir"`
	Media              domain.MediaConstraints `mapstructure:"media"`
	Call               string                  `mapstructure:"call"`
	AutoAnswer         bool                    `mapstructure:"auto_answer"`
}

// PeerFlags declares the command line of the peer binary. Each flag maps to
// the peer.* key of the same name.
func PeerFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	fs.String("server-url", "", "rendezvous websocket url")
	fs.String("name", "", "display name shown to the other player")
	fs.String("call", "", "peer id to call once connected")
	fs.Bool("auto-answer", false, "answer incoming calls without asking")
	fs.String("record-dir", "", "write remote tracks to this directory")
	fs.Int("control-port", 0, "port of the local control api")
	fs.String("log-level", "", "zerolog level")
	return fs
}

var flagKeys = map[string]string{
	"server-url":   "peer.server_url",
	"name":         "peer.display_name",
	"call":         "peer.call",
	"auto-answer":  "peer.auto_answer",
	"record-dir":   "peer.record_dir",
	"control-port": "peer.control_port",
	"log-level":    "log_level",
}

// Load reads config/config.<CONFIG_ENV>.yaml. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), flags)
}

func LoadFile(fileName string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RateLimit.Calls <= 0 || cfg.RateLimit.Interval <= 0 {
		return nil, fmt.Errorf("rate_limit must be positive, got %d per %s", cfg.RateLimit.Calls, cfg.RateLimit.Interval)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit.calls", 10)
	v.SetDefault("rate_limit.interval", "1m")

	v.SetDefault("peer.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.display_name", domain.DefaultUsername)
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.negotiation_timeout", "20s")
	v.SetDefault("peer.ring_timeout", "30s")
	v.SetDefault("peer.control_port", 8090)
	v.SetDefault("peer.record_dir", "")
	v.SetDefault("peer.media.video", true)
	v.SetDefault("peer.media.audio", true)
	v.SetDefault("peer.call", "")
	v.SetDefault("peer.auto_answer", false)
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/mathminds/internal/adapters/http"
	"github.com/dkeye/mathminds/internal/adapters/media"
	"github.com/dkeye/mathminds/internal/adapters/record"
	"github.com/dkeye/mathminds/internal/adapters/rtc"
	"github.com/dkeye/mathminds/internal/adapters/wsclient"
	"github.com/dkeye/mathminds/internal/app/call"
	"github.com/dkeye/mathminds/internal/app/relay"
	"github.com/dkeye/mathminds/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.PeerFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	pc := cfg.Peer

	devices, err := media.New()
	if err != nil {
		log.Fatal().Err(err).Msg("media init")
	}
	peers, err := rtc.NewFactory(devices, rtc.Options{
		ICEServers:         pc.ICEServers,
		NegotiationTimeout: pc.NegotiationTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc init")
	}

	channel := wsclient.New(wsclient.Options{URL: pc.ServerURL, DisplayName: pc.DisplayName})
	calls := call.New(channel, devices, peers, call.Options{
		DisplayName: pc.DisplayName,
		Constraints: pc.Media,
		RingTimeout: pc.RingTimeout,
	})

	relays := relay.NewRelayManager()
	taps := map[string]relay.SinkFactory{}
	if pc.RecordDir != "" {
		rec, err := record.New(pc.RecordDir)
		if err != nil {
			log.Fatal().Err(err).Msg("recorder init")
		}
		taps["recorder"] = rec
	}

	go watch(ctx, calls, relays, taps, pc)
	channel.Start()

	addr := fmt.Sprintf("127.0.0.1:%d", pc.ControlPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupControlRouter(cfg.Mode, calls, relays),
	}
	go func() {
		log.Info().Str("addr", addr).Str("server", pc.ServerURL).Msg("peer control api started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control api error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	calls.Close()
	channel.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control api forced to shutdown")
	}
	log.Info().Msg("Peer exited gracefully")
}

package main

import (
	"context"

	"github.com/dkeye/mathminds/internal/app/call"
	"github.com/dkeye/mathminds/internal/app/relay"
	"github.com/dkeye/mathminds/internal/config"
	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog/log"
)

// watch reacts to session snapshots: it relays every new remote stream and
// runs the --call and --auto-answer automation.
func watch(ctx context.Context, calls *call.Manager, relays *relay.RelayManager, taps map[string]relay.SinkFactory, pc config.PeerConfig) {
	snaps, cancel := calls.Subscribe()
	defer cancel()

	var (
		followed *core.MediaHandle
		dialed   bool
		answered domain.PeerID
	)
	for {
		var s call.Snapshot
		var ok bool
		select {
		case <-ctx.Done():
			return
		case s, ok = <-snaps:
			if !ok {
				return
			}
		}

		if h := s.RemoteStream; h != nil && h != followed {
			followed = h
			relays.Follow(ctx, h, taps)
		}

		if pc.Call != "" && !dialed && s.SelfID != "" && s.State == domain.CallIdle {
			dialed = true
			go func() {
				if err := calls.CallUser(ctx, domain.PeerID(pc.Call)); err != nil {
					log.Warn().Err(err).Str("module", "peer").Str("peer", pc.Call).Msg("auto dial failed")
				}
			}()
		}

		if pc.AutoAnswer && s.State == domain.CallIncomingRinging && s.Incoming != nil && s.Incoming.From != answered {
			answered = s.Incoming.From
			go func() {
				if err := calls.AnswerCall(ctx); err != nil {
					log.Warn().Err(err).Str("module", "peer").Msg("auto answer failed")
				}
			}()
		}
		if s.State == domain.CallIdle {
			answered = ""
		}
	}
}

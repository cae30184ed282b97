package signal

import (
	"errors"

	"github.com/dkeye/mathminds/internal/app"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/dkeye/mathminds/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleCallUser(sid domain.PeerID, conn *WsSignalConn, msg wire.Message) {
	token, _ := ctl.Board.Registry.TokenOf(sid)
	if ctl.Limiter != nil && !ctl.Limiter.Allow(domain.UserID(token)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("call rate limited")
		ctl.sendError(conn, wire.ErrRateLimited)
		return
	}
	ctl.relay(sid, conn, msg)
}

// relay forwards a call message to its target. When the target is gone the
// sender hears a rejection instead, so an outgoing call never hangs.
func (ctl *SignalWSController) relay(sid domain.PeerID, conn *WsSignalConn, msg wire.Message) {
	if msg.DisplayName == "" {
		if token, ok := ctl.Board.Registry.TokenOf(sid); ok {
			msg.DisplayName = ctl.Board.Registry.Username(token)
		}
	}
	out, kind, err := wire.Relayed(msg, sid)
	if err != nil || msg.To == "" {
		log.Error().Err(err).Str("module", "signal").Str("type", msg.Type).Msg("bad call payload")
		ctl.sendError(conn, wire.ErrBadPayload)
		return
	}
	frame, err := wire.Encode(out)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay marshal")
		return
	}

	log.Debug().Str("module", "signal").Str("from", string(sid)).Str("to", string(msg.To)).Str("type", msg.Type).Msg("relay")
	err = ctl.Board.Route(sid, msg.To, kind, frame)
	if errors.Is(err, app.ErrPeerUnavailable) && (kind == domain.SignalOffer || kind == domain.SignalAnswer) {
		ctl.sendJSON(conn, wire.Message{Type: wire.TypeCallRejected, From: msg.To, Reason: domain.ReasonUnavailable})
	}
}

// disconnect tells a call partner that sid went away.
func (ctl *SignalWSController) disconnect(sid domain.PeerID) {
	linked, ok := ctl.Board.Disconnect(sid)
	if !ok {
		return
	}
	frame, err := wire.Encode(wire.Message{Type: wire.TypeCallEnded, From: sid, To: linked})
	if err != nil {
		return
	}
	if err := ctl.Board.Deliver(linked, wire.TypeCallEnded, frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(linked)).Msg("callEnded not delivered")
	}
}

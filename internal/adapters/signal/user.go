package signal

import (
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/dkeye/mathminds/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRename(sid domain.PeerID, conn *WsSignalConn, msg wire.Message) {
	token, ok := ctl.Board.Registry.TokenOf(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", msg.Name).Msg("rename")
	if err := ctl.Board.Registry.UpdateUsername(token, msg.Name); err != nil {
		ctl.sendError(conn, wire.ErrInvalidName)
		return
	}
	ctl.handleWhoAmI(sid, conn)
}

func (ctl *SignalWSController) handleWhoAmI(sid domain.PeerID, conn *WsSignalConn) {
	token, _ := ctl.Board.Registry.TokenOf(sid)
	ctl.sendJSON(conn, wire.Message{
		Type:     wire.TypeWhoAmI,
		SelfID:   sid,
		Username: ctl.Board.Registry.Username(token),
	})
}

package signal

import (
	"context"
	"time"

	"github.com/dkeye/mathminds/internal/domain"
	"github.com/dkeye/mathminds/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var tick <-chan time.Time
	if ctl.Opts.PingPeriod > 0 {
		t := time.NewTicker(ctl.Opts.PingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid domain.PeerID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
		ctl.disconnect(sid)
	}()

	if ctl.Opts.PingPeriod > 0 {
		// a missed pong lets the read deadline expire
		pongWait := ctl.Opts.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid domain.PeerID, c *WsSignalConn, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, wire.ErrBadPayload)
		return
	}

	switch msg.Type {
	case wire.TypeCallUser:
		ctl.handleCallUser(sid, c, msg)
	case wire.TypeAnswerCall, wire.TypeRejectCall, wire.TypeEndCall:
		ctl.relay(sid, c, msg)
	case wire.TypePing:
		ctl.handlePing(c)
	case wire.TypeRename:
		ctl.handleRename(sid, c, msg)
	case wire.TypeWhoAmI:
		ctl.handleWhoAmI(sid, c)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.sendError(c, wire.ErrUnknownType)
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.sendJSON(c, wire.Message{Type: wire.TypeError, Error: code})
}

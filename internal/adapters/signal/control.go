package signal

import "github.com/dkeye/mathminds/internal/wire"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, wire.Message{Type: wire.TypePong})
}

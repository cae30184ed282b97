// Package signal serves the rendezvous websocket: it hands every connection
// a self id and relays call messages between connections.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/mathminds/internal/app"
	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/dkeye/mathminds/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendQueue = 32

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	Board   *app.Switchboard
	Limiter *CallRateLimiter
	Opts    Options
}

func NewSignalWSController(board *app.Switchboard, limiter *CallRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{Board: board, Limiter: limiter, Opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request. The display name comes from the
// ?name= query, falling back to what the client token already has.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	sid := domain.PeerID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Opts.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendQueue),
	}

	reg := ctl.Board.Registry
	user := reg.GetOrCreateUser(token)
	if name := c.Query("name"); name != "" {
		if err := reg.UpdateUsername(token, name); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("ignoring bad name")
		}
	}
	sess := core.NewPeerSession(user, conn)
	ctx, cancel := context.WithCancel(ctx)
	reg.Bind(sid, token, sess, cancel)

	ctl.sendJSON(conn, wire.Message{Type: wire.TypeMe, SelfID: sid, Username: reg.Username(token)})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

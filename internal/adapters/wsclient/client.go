// Package wsclient is the player's end of the rendezvous websocket. It keeps
// the connection alive across drops and turns wire messages into envelopes.
package wsclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/dkeye/mathminds/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueue = 64
	writeWait    = 5 * time.Second
)

type Options struct {
	// URL of the signaling endpoint, ws:// or wss://.
	URL         string
	DisplayName string
	QueueSize   int
	// NewBackOff builds the reconnect schedule. Defaults to exponential
	// backoff between 250ms and 5s that never gives up.
	NewBackOff func() backoff.BackOff
}

// outbound is a queued frame tagged with the identity epoch it was written for.
type outbound struct {
	frame core.Frame
	epoch uint64
}

type inbound struct {
	env  *domain.SignalEnvelope
	self domain.PeerID
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	queue chan outbound
	inbox chan inbound

	mu      sync.Mutex
	onEnv   func(domain.SignalEnvelope)
	onSelf  func(domain.PeerID)
	conn    *websocket.Conn
	self    domain.PeerID
	started bool
	// epoch advances on every new connection and every new self id. Frames
	// from an older epoch were addressed as an identity the server forgot.
	epoch uint64
}

var _ core.SignalChannel = (*Client)(nil)

func New(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueue
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		queue:   make(chan outbound, opts.QueueSize),
		inbox:   make(chan inbound, opts.QueueSize),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start connects in the background. Register the handlers before calling it.
func (c *Client) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.dispatch()
	go c.run()
}

func (c *Client) OnEnvelope(fn func(domain.SignalEnvelope)) {
	c.mu.Lock()
	c.onEnv = fn
	c.mu.Unlock()
}

func (c *Client) OnSelfID(fn func(domain.PeerID)) {
	c.mu.Lock()
	c.onSelf = fn
	c.mu.Unlock()
}

// SelfID is the id of the current connection, empty while disconnected.
func (c *Client) SelfID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if c.ctx.Err() != nil {
		return core.ErrChannelClosed
	}
	msg, err := wire.Outbound(env)
	if err != nil {
		return fmt.Errorf("signal %s: %w", env.Kind, err)
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("signal %s: %w", env.Kind, err)
	}
	c.mu.Lock()
	out := outbound{frame: frame, epoch: c.epoch}
	c.mu.Unlock()
	select {
	case c.queue <- out:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("signal %s: %w", env.Kind, ctx.Err())
	case <-c.ctx.Done():
		return core.ErrChannelClosed
	}
}

// Close drops the connection for good. Later sends fail with ErrChannelClosed.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.stopped
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	if c.opts.DisplayName != "" {
		q := u.Query()
		q.Set("name", c.opts.DisplayName)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) run() {
	defer close(c.stopped)

	addr, err := c.endpoint()
	if err != nil {
		log.Error().Err(err).Str("module", "wsclient").Str("url", c.opts.URL).Msg("bad signaling url")
		return
	}

	for c.ctx.Err() == nil {
		var conn *websocket.Conn
		dial := func() error {
			var err error
			conn, _, err = c.dialer.DialContext(c.ctx, addr, nil)
			return err
		}
		notify := func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("module", "wsclient").Dur("retry_in", wait).Msg("dial failed")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(c.opts.NewBackOff(), c.ctx), notify); err != nil {
			return
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.epoch++
		c.mu.Unlock()

		log.Info().Str("module", "wsclient").Str("url", addr).Msg("connected")
		c.serve(conn)

		c.mu.Lock()
		c.conn = nil
		c.self = ""
		c.mu.Unlock()
		log.Warn().Str("module", "wsclient").Msg("connection lost")
	}
}

// serve pumps one connection until it drops.
func (c *Client) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx, conn)
	}()

	c.readPump(conn)
	cancel()
	_ = conn.Close()
	wg.Wait()
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.queue:
			if c.stale(out) {
				log.Info().Str("module", "wsclient").Msg("dropping frame queued for a previous connection")
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out.frame); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("write failed, frame lost")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) stale(out outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return out.epoch != c.epoch
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("read failed")
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad json from server")
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg wire.Message) {
	switch msg.Type {
	case wire.TypeMe:
		c.mu.Lock()
		c.self = msg.SelfID
		c.epoch++
		c.mu.Unlock()
		log.Info().Str("module", "wsclient").Str("self", string(msg.SelfID)).Msg("self id")
		c.push(inbound{self: msg.SelfID})
	case wire.TypeError:
		log.Warn().Str("module", "wsclient").Str("error", msg.Error).Msg("server error")
	case wire.TypePong, wire.TypeWhoAmI:
	default:
		env, err := wire.Inbound(msg)
		if err != nil {
			log.Warn().Str("module", "wsclient").Str("type", msg.Type).Msg("unknown message")
			return
		}
		c.push(inbound{env: &env})
	}
}

func (c *Client) push(in inbound) {
	select {
	case c.inbox <- in:
	case <-c.ctx.Done():
	}
}

// dispatch hands inbound items to the handlers one at a time, in order.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inbox:
			c.mu.Lock()
			onEnv, onSelf := c.onEnv, c.onSelf
			c.mu.Unlock()
			switch {
			case in.env != nil && onEnv != nil:
				onEnv(*in.env)
			case in.env == nil && onSelf != nil:
				onSelf(in.self)
			}
		}
	}
}

package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/event"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type pendingAck struct {
	handler func(event.Envelope)
	result  chan error
}

// WSConn multiplexes channel subscriptions over one websocket and redials
// when the socket drops. Subscriptions do not survive a redial; callers
// re-subscribe from their OnReconnect callback.
type WSConn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    map[string]func(event.Envelope)
	acks        map[string]*pendingAck
	onReconnect []func()
	closed      bool
	done        chan struct{}
}

// DialWS connects to the websocket endpoint at url authenticating with token.
func DialWS(ctx context.Context, url, token string, logger zerolog.Logger) (*WSConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c := &WSConn{
		url:      url,
		header:   header,
		dialer:   websocket.DefaultDialer,
		logger:   logger.With().Str("component", "wsconn").Logger(),
		handlers: make(map[string]func(event.Envelope)),
		acks:     make(map[string]*pendingAck),
		done:     make(chan struct{}),
	}
	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperr.Transport("dial websocket", err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

// OnReconnect registers fn to run after every successful redial.
func (c *WSConn) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *WSConn) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(f); err != nil {
		return apperr.Transport("write frame", err)
	}
	return nil
}

// Subscribe joins channel and waits for the server's acknowledgement.
// handler receives every later event of the channel.
func (c *WSConn) Subscribe(ctx context.Context, channel string, handler func(event.Envelope)) (Subscription, error) {
	ack := &pendingAck{handler: handler, result: make(chan error, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.Transport("connection closed", nil)
	}
	c.acks[channel] = ack
	c.mu.Unlock()

	if err := c.write(frame{Action: ActionSubscribe, Channel: channel}); err != nil {
		c.dropAck(channel, ack)
		return nil, err
	}

	select {
	case err := <-ack.result:
		if err != nil {
			return nil, err
		}
		return &wsSubscription{conn: c, channel: channel}, nil
	case <-ctx.Done():
		c.dropAck(channel, ack)
		return nil, ctx.Err()
	}
}

func (c *WSConn) dropAck(channel string, ack *pendingAck) {
	c.mu.Lock()
	if c.acks[channel] == ack {
		delete(c.acks, channel)
	}
	c.mu.Unlock()
}

func (c *WSConn) unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.write(frame{Action: ActionUnsubscribe, Channel: channel})
}

func (c *WSConn) readLoop(conn *websocket.Conn) {
	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			if !c.redial(err) {
				return
			}
			c.mu.Lock()
			conn = c.conn
			c.mu.Unlock()
			continue
		}
		c.dispatch(env)
	}
}

func (c *WSConn) dispatch(env event.Envelope) {
	c.mu.Lock()
	switch env.Event {
	case event.SubscriptionSucceeded, event.SubscriptionError:
		ack, ok := c.acks[env.Channel]
		if !ok {
			c.mu.Unlock()
			return
		}
		delete(c.acks, env.Channel)
		var err error
		if env.Event == event.SubscriptionSucceeded {
			// Registered before the next frame is read so no event is missed.
			c.handlers[env.Channel] = ack.handler
		} else {
			var p event.ErrorPayload
			env.Decode(&p)
			err = apperr.Forbidden(p.Error)
		}
		c.mu.Unlock()
		ack.result <- err
		return
	}
	handler := c.handlers[env.Channel]
	c.mu.Unlock()

	if handler != nil {
		handler(env)
	}
}

// redial reconnects with exponential backoff. It reports false once the
// connection was closed by the caller.
func (c *WSConn) redial(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.handlers = make(map[string]func(event.Envelope))
	for channel, ack := range c.acks {
		ack.result <- apperr.Transport("connection lost", cause)
		delete(c.acks, channel)
	}
	c.mu.Unlock()
	c.logger.Warn().Err(cause).Msg("websocket lost, redialing")

	delay := 500 * time.Millisecond
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		conn, _, err := c.dialer.Dial(c.url, c.header)
		if err != nil {
			c.logger.Debug().Err(err).Dur("delay", delay).Msg("redial failed")
			delay *= 2
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		callbacks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()

		// Callbacks subscribe again, which needs this read loop running.
		for _, fn := range callbacks {
			go fn()
		}
		return true
	}
}

// Close shuts the socket down for good.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

type wsSubscription struct {
	conn    *WSConn
	channel string
	once    sync.Once
	err     error
}

func (s *wsSubscription) Channel() string { return s.channel }

func (s *wsSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.conn.unsubscribe(s.channel) })
	return s.err
}

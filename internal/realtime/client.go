package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/presence"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	maxMessageSize = 1024             // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Frame is what clients send over the socket.
type Frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// ChannelAuthorizer decides whether a user may listen on a non-presence channel.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, userID int64, channel string) error
}

// PresenceTracker is the part of presence.Tracker the socket layer drives.
type PresenceTracker interface {
	Subscribe(ctx context.Context, roomID int64, user event.User, connID string) (presence.Snapshot, error)
	Unsubscribe(ctx context.Context, roomID, userID int64, connID string)
	Disconnect(ctx context.Context, connID string)
	Heartbeat(connID string)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID   string
	User event.User
	// Buffered channel of outbound frames. Only the hub closes it.
	Send chan []byte

	hub      *Hub
	conn     *websocket.Conn
	auth     ChannelAuthorizer
	presence PresenceTracker
	logger   zerolog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

// readPump pumps subscription frames from the websocket connection to the hub.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		send(c.hub, c.hub.Unregister, c)
		c.conn.Close()
		// Covers both a clean close and a peer that stopped answering pings.
		c.presence.Disconnect(context.Background(), c.ID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.presence.Heartbeat(c.ID)
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(frame.Channel, event.Event{Name: event.SubscriptionError, Data: event.ErrorPayload{Error: "malformed frame"}})
			continue
		}

		switch frame.Action {
		case ActionSubscribe:
			c.subscribe(ctx, frame.Channel)
		case ActionUnsubscribe:
			c.unsubscribe(ctx, frame.Channel)
		default:
			c.reply(frame.Channel, event.Event{Name: event.SubscriptionError, Data: event.ErrorPayload{Error: "unknown action"}})
		}
	}
}

func (c *Client) subscribe(ctx context.Context, channel string) {
	prefix, roomID, err := event.ParseChannel(channel)
	if err != nil {
		c.reject(channel, apperr.Validation(err.Error()))
		return
	}

	if prefix != event.PrefixPresenceChat {
		if err := c.auth.AuthorizeChannel(ctx, c.User.ID, channel); err != nil {
			c.reject(channel, err)
			return
		}
		send(c.hub, c.hub.subscribe, subscription{client: c, channel: channel})
		return
	}

	snapshot, err := c.presence.Subscribe(ctx, roomID, c.User, c.ID)
	if err != nil {
		c.reject(channel, err)
		return
	}
	if !send(c.hub, c.hub.subscribe, subscription{client: c, channel: channel}) {
		return
	}
	c.reply(channel, event.Event{Name: event.PresenceHere, Data: event.HerePayload{
		Online: snapshot.Online,
		Typing: snapshot.Typing,
	}})
}

func (c *Client) unsubscribe(ctx context.Context, channel string) {
	send(c.hub, c.hub.unsubscribe, subscription{client: c, channel: channel})
	if prefix, roomID, err := event.ParseChannel(channel); err == nil && prefix == event.PrefixPresenceChat {
		c.presence.Unsubscribe(ctx, roomID, c.User.ID, c.ID)
	}
}

func (c *Client) reject(channel string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		c.logger.Error().Err(err).Str("channel", channel).Msg("subscription failed")
	}
	c.reply(channel, event.Event{Name: event.SubscriptionError, Data: event.ErrorPayload{Error: apperr.Message(err)}})
}

// reply routes a frame for this client alone through the hub, which owns Send.
func (c *Client) reply(channel string, evt event.Event) {
	send(c.hub, c.hub.direct, outbound{client: c, payload: mustFrame(channel, evt)})
}

// writePump pumps frames from the hub to the websocket connection, one
// envelope per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/metrics"
)

// Hub maintains the set of connected clients and their channel
// subscriptions. Run is the only goroutine that touches those maps.
type Hub struct {
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	broadcast   chan outbound // From broker -> subscribed clients
	direct      chan outbound // To a single client (acks, presence snapshots)
	Register    chan *Client
	Unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription

	broker Broker
	logger zerolog.Logger
	done   chan struct{}
}

type outbound struct {
	channel string
	client  *Client
	payload []byte
	// revoke is set for member.removed events.
	revoke *event.MembershipPayload
}

type subscription struct {
	client  *Client
	channel string
}

func NewHub(broker Broker, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		channels:    make(map[string]map[*Client]bool),
		broadcast:   make(chan outbound),
		direct:      make(chan outbound),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		broker:      broker,
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// Publish implements event.Publisher by handing the encoded envelope to the
// broker; delivery to local clients happens when it comes back.
func (h *Hub) Publish(ctx context.Context, channel string, evt event.Event) error {
	env, err := event.Encode(channel, evt)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, payload); err != nil {
		metrics.BrokerPublishFailures.Inc()
		return err
	}
	return nil
}

// Run serves hub requests until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			metrics.WebsocketConnections.Inc()

		case client := <-h.Unregister:
			h.remove(client)

		case sub := <-h.subscribe:
			if !h.clients[sub.client] {
				continue
			}
			set, ok := h.channels[sub.channel]
			if !ok {
				set = make(map[*Client]bool)
				h.channels[sub.channel] = set
			}
			set[sub.client] = true
			h.deliver(sub.client, ack(sub.channel))

		case sub := <-h.unsubscribe:
			h.leave(sub.client, sub.channel)

		case msg := <-h.direct:
			if h.clients[msg.client] {
				h.deliver(msg.client, msg.payload)
			}

		case msg := <-h.broadcast:
			for client := range h.channels[msg.channel] {
				h.deliver(client, msg.payload)
			}
			if msg.revoke != nil {
				h.revoke(msg.revoke.UserID, msg.revoke.RoomID)
			}

		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

// send hands a request to the Run loop. It reports false once the hub has
// stopped.
func send[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

// deliver never blocks the hub: a client whose buffer is full is dropped and
// will reconcile after reconnecting.
func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		metrics.SlowConsumerDrops.Inc()
		h.logger.Warn().Str("conn_id", client.ID).Int64("user_id", client.User.ID).Msg("dropping slow client")
		h.remove(client)
	}
}

func (h *Hub) leave(client *Client, channel string) {
	if set, ok := h.channels[channel]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// revoke drops every subscription userID's connections hold on the member
// channels of roomID. Presence is released off the loop since the tracker
// publishes back through the hub.
func (h *Hub) revoke(userID, roomID int64) {
	presenceChannel := event.PresenceChannel(roomID)
	channels := []string{
		event.RoomChannel("private", roomID),
		event.RoomChannel("direct", roomID),
		presenceChannel,
	}
	for client := range h.clients {
		if client.User.ID != userID {
			continue
		}
		if h.channels[presenceChannel][client] && client.presence != nil {
			go client.presence.Unsubscribe(context.Background(), roomID, userID, client.ID)
		}
		for _, channel := range channels {
			h.leave(client, channel)
		}
		h.logger.Debug().Str("conn_id", client.ID).Int64("user_id", userID).Int64("room_id", roomID).Msg("membership revoked")
	}
}

func (h *Hub) remove(client *Client) {
	// Always check if they exist to avoid double-deletion panics
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for channel := range h.channels {
		h.leave(client, channel)
	}
	close(client.Send)
	metrics.WebsocketConnections.Dec()
}

// SubscribeToBroker subscribes to the broker and forwards envelopes
// published by any instance into the hub until ctx is cancelled. The
// subscription is live when it returns.
func (h *Hub) SubscribeToBroker(ctx context.Context) error {
	ch, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	go h.forward(ctx, ch)
	return nil
}

func (h *Hub) forward(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				h.logger.Warn().Msg("broker subscription closed")
				return
			}
			var env event.Envelope
			if err := json.Unmarshal(payload, &env); err != nil || env.Channel == "" {
				h.logger.Warn().Err(err).Msg("discarding malformed broker payload")
				continue
			}
			msg := outbound{channel: env.Channel, payload: payload}
			if env.Event == event.MemberRemoved {
				var p event.MembershipPayload
				if err := env.Decode(&p); err != nil {
					h.logger.Warn().Err(err).Msg("discarding malformed membership event")
					continue
				}
				msg.revoke = &p
			}
			if !send(h, h.broadcast, msg) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func ack(channel string) []byte {
	return mustFrame(channel, event.Event{Name: event.SubscriptionSucceeded})
}

func mustFrame(channel string, evt event.Event) []byte {
	env, err := event.Encode(channel, evt)
	if err != nil {
		env = event.Envelope{Channel: channel, Event: event.SubscriptionError}
	}
	payload, _ := json.Marshal(env)
	return payload
}

package realtime

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/auth"
	"go-chat-rooms/internal/event"
)

// Options tune the heartbeat and origin policy of websocket connections.
type Options struct {
	// PingPeriod is how often the server pings each connection.
	PingPeriod time.Duration
	// PongWait closes a connection that has not answered for this long.
	PongWait       time.Duration
	AllowedOrigins []string
}

// Handler upgrades authenticated requests to websocket clients of a hub.
type Handler struct {
	hub      *Hub
	auth     ChannelAuthorizer
	presence PresenceTracker
	upgrader websocket.Upgrader
	opts     Options
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, authz ChannelAuthorizer, tracker PresenceTracker, opts Options, logger zerolog.Logger) *Handler {
	if opts.PongWait <= 0 {
		opts.PongWait = 90 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	h := &Handler{
		hub:      hub,
		auth:     authz,
		presence: tracker,
		opts:     opts,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// ServeWs handles websocket requests from an authenticated peer.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:         ulid.Make().String(),
		User:       event.User{ID: identity.ID, Username: identity.Username},
		Send:       make(chan []byte, sendBuffer),
		hub:        h.hub,
		conn:       conn,
		auth:       h.auth,
		presence:   h.presence,
		pongWait:   h.opts.PongWait,
		pingPeriod: h.opts.PingPeriod,
	}
	client.logger = h.logger.With().Str("conn_id", client.ID).Int64("user_id", identity.ID).Logger()

	if !send(h.hub, h.hub.Register, client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

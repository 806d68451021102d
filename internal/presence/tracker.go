// Package presence tracks which members are connected to a room and who is
// typing. State is per process and never persisted.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/metrics"
)

// Authorizer validates room access and returns the room's chat channel,
// where typing events are broadcast.
type Authorizer interface {
	ObserveRoom(ctx context.Context, roomID, userID int64) (chatChannel string, err error)
}

type Snapshot struct {
	Online []event.User `json:"online"`
	Typing []event.User `json:"typing"`
}

type Config struct {
	// Timeout drops connections without a heartbeat for this long.
	Timeout time.Duration
	// TypingTTL expires typing indicators whose stop signal was lost.
	TypingTTL time.Duration
	Now       func() time.Time
}

type onlineUser struct {
	user  event.User
	conns map[string]struct{}
}

type typingEntry struct {
	user  event.User
	until time.Time
}

type roomState struct {
	chatChannel string
	online      map[int64]*onlineUser
	typing      map[int64]typingEntry
}

type connState struct {
	user     event.User
	rooms    map[int64]struct{}
	lastSeen time.Time
}

type Tracker struct {
	auth   Authorizer
	pub    event.Publisher
	logger zerolog.Logger
	cfg    Config

	mu    sync.Mutex
	rooms map[int64]*roomState
	conns map[string]*connState
}

func NewTracker(auth Authorizer, pub event.Publisher, logger zerolog.Logger, cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 8 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		auth:   auth,
		pub:    pub,
		logger: logger.With().Str("component", "presence").Logger(),
		cfg:    cfg,
		rooms:  make(map[int64]*roomState),
		conns:  make(map[string]*connState),
	}
}

type pending struct {
	channel string
	evt     event.Event
}

// emit publishes outside the tracker lock. Presence is best-effort.
func (t *Tracker) emit(ctx context.Context, events []pending) {
	for _, p := range events {
		if err := t.pub.Publish(ctx, p.channel, p.evt); err != nil {
			t.logger.Debug().Err(err).Str("channel", p.channel).Str("event", p.evt.Name).Msg("presence broadcast failed")
		}
	}
}

func (t *Tracker) roomLocked(roomID int64, chatChannel string) *roomState {
	rs, ok := t.rooms[roomID]
	if !ok {
		rs = &roomState{
			online: make(map[int64]*onlineUser),
			typing: make(map[int64]typingEntry),
		}
		t.rooms[roomID] = rs
	}
	if chatChannel != "" {
		rs.chatChannel = chatChannel
	}
	return rs
}

func (t *Tracker) dropEmptyLocked(roomID int64) {
	if rs, ok := t.rooms[roomID]; ok && len(rs.online) == 0 && len(rs.typing) == 0 {
		delete(t.rooms, roomID)
	}
}

// Subscribe registers connection connID of user in the room and returns the
// current snapshot. The first connection of a user announces the join.
func (t *Tracker) Subscribe(ctx context.Context, roomID int64, user event.User, connID string) (Snapshot, error) {
	chatChannel, err := t.auth.ObserveRoom(ctx, roomID, user.ID)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	now := t.cfg.Now()
	conn, ok := t.conns[connID]
	if !ok {
		conn = &connState{user: user, rooms: make(map[int64]struct{})}
		t.conns[connID] = conn
	}
	conn.lastSeen = now
	conn.rooms[roomID] = struct{}{}

	rs := t.roomLocked(roomID, chatChannel)
	ou, online := rs.online[user.ID]
	if !online {
		ou = &onlineUser{user: user, conns: make(map[string]struct{})}
		rs.online[user.ID] = ou
		metrics.PresenceOnline.Inc()
	}
	ou.conns[connID] = struct{}{}
	snap := t.snapshotLocked(rs, now)
	t.mu.Unlock()

	if !online {
		t.emit(ctx, []pending{{
			channel: event.PresenceChannel(roomID),
			evt:     event.Event{Name: event.PresenceJoining, Data: event.PresencePayload{User: user}},
		}})
	}
	return snap, nil
}

// Unsubscribe removes one connection of the user from the room.
func (t *Tracker) Unsubscribe(ctx context.Context, roomID, userID int64, connID string) {
	t.mu.Lock()
	events := t.leaveLocked(roomID, userID, connID)
	if conn, ok := t.conns[connID]; ok {
		delete(conn.rooms, roomID)
		if len(conn.rooms) == 0 {
			delete(t.conns, connID)
		}
	}
	t.mu.Unlock()

	t.emit(ctx, events)
}

// Disconnect removes a connection from every room it joined. It runs on
// graceful close and on transport failure alike.
func (t *Tracker) Disconnect(ctx context.Context, connID string) {
	t.mu.Lock()
	events := t.disconnectLocked(connID)
	t.mu.Unlock()

	t.emit(ctx, events)
}

func (t *Tracker) disconnectLocked(connID string) []pending {
	conn, ok := t.conns[connID]
	if !ok {
		return nil
	}
	delete(t.conns, connID)

	var events []pending
	for roomID := range conn.rooms {
		events = append(events, t.leaveLocked(roomID, conn.user.ID, connID)...)
	}
	return events
}

func (t *Tracker) leaveLocked(roomID, userID int64, connID string) []pending {
	rs, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	ou, ok := rs.online[userID]
	if !ok {
		return nil
	}
	delete(ou.conns, connID)
	if len(ou.conns) > 0 {
		return nil
	}

	delete(rs.online, userID)
	metrics.PresenceOnline.Dec()
	events := []pending{{
		channel: event.PresenceChannel(roomID),
		evt:     event.Event{Name: event.PresenceLeaving, Data: event.PresencePayload{User: ou.user}},
	}}
	if _, typing := rs.typing[userID]; typing {
		delete(rs.typing, userID)
		events = append(events, t.typingEvent(rs, ou.user, false))
	}
	t.dropEmptyLocked(roomID)
	return events
}

func (t *Tracker) typingEvent(rs *roomState, user event.User, isTyping bool) pending {
	return pending{
		channel: rs.chatChannel,
		evt:     event.Event{Name: event.UserTyping, Data: event.TypingPayload{User: user, IsTyping: isTyping}},
	}
}

// SetTyping records the user's typing state with last-write-wins semantics
// and broadcasts it on the room's chat channel.
func (t *Tracker) SetTyping(ctx context.Context, roomID int64, user event.User, isTyping bool) error {
	chatChannel, err := t.auth.ObserveRoom(ctx, roomID, user.ID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	rs := t.roomLocked(roomID, chatChannel)
	if isTyping {
		rs.typing[user.ID] = typingEntry{user: user, until: t.cfg.Now().Add(t.cfg.TypingTTL)}
	} else {
		delete(rs.typing, user.ID)
	}
	evt := t.typingEvent(rs, user, isTyping)
	t.dropEmptyLocked(roomID)
	t.mu.Unlock()

	t.emit(ctx, []pending{evt})
	return nil
}

// Heartbeat refreshes the liveness of a connection.
func (t *Tracker) Heartbeat(connID string) {
	t.mu.Lock()
	if conn, ok := t.conns[connID]; ok {
		conn.lastSeen = t.cfg.Now()
	}
	t.mu.Unlock()
}

// Sweep drops connections silent for longer than the timeout and expires
// stale typing indicators.
func (t *Tracker) Sweep(ctx context.Context) {
	t.mu.Lock()
	now := t.cfg.Now()
	var events []pending
	for connID, conn := range t.conns {
		if now.Sub(conn.lastSeen) > t.cfg.Timeout {
			t.logger.Info().Str("conn_id", connID).Int64("user_id", conn.user.ID).Msg("presence timed out")
			metrics.PresenceTimeouts.Inc()
			events = append(events, t.disconnectLocked(connID)...)
		}
	}
	for roomID, rs := range t.rooms {
		for userID, entry := range rs.typing {
			if !now.Before(entry.until) {
				delete(rs.typing, userID)
				events = append(events, t.typingEvent(rs, entry.user, false))
			}
		}
		t.dropEmptyLocked(roomID)
	}
	t.mu.Unlock()

	t.emit(ctx, events)
}

// Run sweeps every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns the online and typing sets of a room.
func (t *Tracker) Snapshot(roomID int64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return Snapshot{Online: []event.User{}, Typing: []event.User{}}
	}
	return t.snapshotLocked(rs, t.cfg.Now())
}

func (t *Tracker) snapshotLocked(rs *roomState, now time.Time) Snapshot {
	snap := Snapshot{Online: []event.User{}, Typing: []event.User{}}
	for _, ou := range rs.online {
		snap.Online = append(snap.Online, ou.user)
	}
	for _, entry := range rs.typing {
		if now.Before(entry.until) {
			snap.Typing = append(snap.Typing, entry.user)
		}
	}
	byID := func(users []event.User) func(i, j int) bool {
		return func(i, j int) bool { return users[i].ID < users[j].ID }
	}
	sort.Slice(snap.Online, byID(snap.Online))
	sort.Slice(snap.Typing, byID(snap.Typing))
	return snap
}

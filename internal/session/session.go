// Package session is the client side of a chat room: it owns the broadcast
// subscriptions of the active room and merges optimistic sends with the
// server-confirmed message log.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/event"
)

// maxBackfillPages bounds how many older pages a reconnect fetches to join
// the local log with the newest page.
const maxBackfillPages = 5

type State int

const (
	Idle State = iota
	Subscribing
	Synced
	Unsubscribing
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Synced:
		return "synced"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "idle"
	}
}

type Options struct {
	// PublicPresence also joins the presence channel of public rooms.
	PublicPresence bool
	// TypingTTL hides a typing indicator whose stop event never arrived.
	TypingTTL time.Duration
	Now       func() time.Time
}

// Entry is one line of the local log. Pending entries have no server id yet
// and carry their temporary id in ClientID.
type Entry struct {
	chat.Message
	Pending bool
}

type typingState struct {
	user  event.User
	until time.Time
}

type Session struct {
	api    API
	conn   Conn
	self   event.User
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	room       *chat.Room
	epoch      uint64
	roomCtx    context.Context
	cancelRoom context.CancelFunc
	subs       []Subscription

	log      []*chat.Message // confirmed, strictly ascending id
	pending  []*chat.Message // optimistic, in send order
	resolved map[string]int64
	hasMore  bool
	loading  bool
	buffered []event.Envelope

	online map[int64]event.User
	typing map[int64]typingState

	listeners []func()
}

func New(api API, conn Conn, self event.User, logger zerolog.Logger, opts Options) *Session {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 8 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		api:    api,
		conn:   conn,
		self:   self,
		opts:   opts,
		logger: logger.With().Str("component", "session").Int64("user_id", self.ID).Logger(),
	}
	s.resetLocked()
	return s
}

func (s *Session) resetLocked() {
	s.subs = nil
	s.log = nil
	s.pending = nil
	s.resolved = make(map[string]int64)
	s.hasMore = false
	s.loading = false
	s.buffered = nil
	s.online = make(map[int64]event.User)
	s.typing = make(map[int64]typingState)
}

// OnChange registers fn to run after every change of the local state. It is
// called without the session lock held.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// bind derives a context that is also cancelled when the room is left.
func bind(ctx, roomCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(roomCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) staleOr(epoch uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrRoomChanged
	}
	return err
}

// ---------------------------------------------
// Lifecycle
// ---------------------------------------------

// Open makes room the active room. The previous room is torn down first so
// none of its events reach the new one.
func (s *Session) Open(ctx context.Context, room *chat.Room) error {
	s.Close()

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.room = room
	s.roomCtx, s.cancelRoom = context.WithCancel(context.Background())
	s.resetLocked()
	s.mu.Unlock()

	if err := s.sync(ctx, epoch); err != nil {
		if !errors.Is(err, ErrRoomChanged) {
			s.Close()
		}
		return err
	}

	if err := s.api.MarkAsRead(ctx, room.ID); err != nil {
		s.logger.Warn().Err(err).Int64("room_id", room.ID).Msg("mark as read failed")
	}
	return nil
}

// Close leaves the active room and cancels its in-flight requests.
func (s *Session) Close() {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	s.state = Unsubscribing
	s.epoch++
	s.cancelRoom()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Str("channel", sub.Channel()).Msg("unsubscribe failed")
		}
	}

	s.mu.Lock()
	s.state = Idle
	s.room = nil
	s.resetLocked()
	s.mu.Unlock()
	s.notify()
}

// Reconnected re-subscribes after the transport came back and reconciles the
// newest page, since broadcasts sent during the gap are lost.
func (s *Session) Reconnected(ctx context.Context) error {
	s.mu.Lock()
	if s.room == nil || s.state == Unsubscribing {
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	s.online = make(map[int64]event.User)
	s.typing = make(map[int64]typingState)
	s.mu.Unlock()

	return s.sync(ctx, epoch)
}

// sync subscribes to the room channels, loads the newest page and replays
// the events that arrived meanwhile.
func (s *Session) sync(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrRoomChanged
	}
	room, roomCtx := s.room, s.roomCtx
	s.state = Subscribing
	old := s.subs
	s.subs = nil
	s.mu.Unlock()
	s.notify()

	for _, sub := range old {
		sub.Unsubscribe()
	}

	ctx, stop := bind(ctx, roomCtx)
	defer stop()

	channels := []string{event.RoomChannel(string(room.Kind), room.ID)}
	if room.Kind != chat.KindPublic || s.opts.PublicPresence {
		channels = append(channels, event.PresenceChannel(room.ID))
	}
	subs := make([]Subscription, 0, len(channels))
	for _, channel := range channels {
		sub, err := s.conn.Subscribe(ctx, channel, s.handler(epoch))
		if err != nil {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
			return s.staleOr(epoch, err)
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return ErrRoomChanged
	}
	s.subs = subs
	s.mu.Unlock()

	s.mu.Lock()
	var newest int64
	if n := len(s.log); n > 0 {
		newest = s.log[n-1].ID
	}
	s.mu.Unlock()

	page, err := s.fetchSince(ctx, room.ID, newest)
	if err != nil {
		return s.staleOr(epoch, err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrRoomChanged
	}
	s.reconcileLocked(page, newest)
	buffered := s.buffered
	s.buffered = nil
	for _, env := range buffered {
		s.applyLocked(env)
	}
	s.state = Synced
	s.mu.Unlock()
	s.notify()
	return nil
}

// fetchSince loads the newest page and, when the local log ends at newest,
// pages back until the fetched window reaches it. The result is one
// contiguous window unless maxBackfillPages ran out first.
func (s *Session) fetchSince(ctx context.Context, roomID, newest int64) (*chat.Page, error) {
	page, err := s.api.Messages(ctx, roomID, chat.PageQuery{Page: 1})
	if err != nil {
		return nil, err
	}
	if newest == 0 {
		return page, nil
	}

	window := *page
	for i := 0; i < maxBackfillPages; i++ {
		if !window.HasMore || len(window.Messages) == 0 || window.Messages[0].ID <= newest {
			break
		}
		older, err := s.api.Messages(ctx, roomID, chat.PageQuery{BeforeID: window.Messages[0].ID})
		if err != nil {
			return nil, err
		}
		if len(older.Messages) == 0 {
			window.HasMore = false
			break
		}
		window.Messages = append(append([]chat.Message{}, older.Messages...), window.Messages...)
		window.HasMore = older.HasMore
	}
	return &window, nil
}

// reconcileLocked merges a freshly fetched window. Local messages inside the
// window that the server no longer returns are dropped. Older local messages
// are kept only when the window reaches back to newest, the last id the log
// held before the fetch; otherwise the log restarts at the window so that
// LoadMore fills the gap.
func (s *Session) reconcileLocked(page *chat.Page, newest int64) {
	var floor int64
	if page.HasMore && len(page.Messages) > 0 {
		floor = page.Messages[0].ID
	}
	joined := floor > 0 && newest >= floor

	kept := s.log[:0]
	if joined {
		for _, m := range s.log {
			if m.ID < floor {
				kept = append(kept, m)
			}
		}
	}
	s.log = kept
	if len(kept) == 0 {
		s.hasMore = page.HasMore
	}

	for i := range page.Messages {
		m := page.Messages[i]
		s.insertLocked(&m)
	}
}

// ---------------------------------------------
// Broadcast events
// ---------------------------------------------

func (s *Session) handler(epoch uint64) func(event.Envelope) {
	return func(env event.Envelope) {
		s.mu.Lock()
		switch {
		case s.epoch != epoch:
			s.mu.Unlock()
			return
		case s.state == Subscribing:
			s.buffered = append(s.buffered, env)
			s.mu.Unlock()
			return
		case s.state != Synced:
			s.mu.Unlock()
			return
		}
		changed := s.applyLocked(env)
		s.mu.Unlock()
		if changed {
			s.notify()
		}
	}
}

func (s *Session) applyLocked(env event.Envelope) bool {
	switch env.Event {
	case event.MessageSent:
		var p chat.MessagePayload
		if !s.decode(env, &p) || p.Message == nil {
			return false
		}
		s.confirmLocked(p.Message, p.Message.ClientID, true)
		return true

	case event.MessageUpdated:
		var p chat.MessagePayload
		if !s.decode(env, &p) || p.Message == nil {
			return false
		}
		return s.updateLocked(p.Message)

	case event.MessageDeleted:
		var p event.DeletedPayload
		if !s.decode(env, &p) {
			return false
		}
		return s.removeLocked(p.MessageID)

	case event.UserTyping:
		var p event.TypingPayload
		if !s.decode(env, &p) || p.User.ID == s.self.ID {
			return false
		}
		if p.IsTyping {
			s.typing[p.User.ID] = typingState{user: p.User, until: s.opts.Now().Add(s.opts.TypingTTL)}
		} else {
			delete(s.typing, p.User.ID)
		}
		return true

	case event.PresenceHere:
		var p event.HerePayload
		if !s.decode(env, &p) {
			return false
		}
		s.online = make(map[int64]event.User, len(p.Online))
		for _, u := range p.Online {
			s.online[u.ID] = u
		}
		until := s.opts.Now().Add(s.opts.TypingTTL)
		for _, u := range p.Typing {
			if u.ID != s.self.ID {
				s.typing[u.ID] = typingState{user: u, until: until}
			}
		}
		return true

	case event.PresenceJoining:
		var p event.PresencePayload
		if !s.decode(env, &p) {
			return false
		}
		s.online[p.User.ID] = p.User
		return true

	case event.PresenceLeaving:
		var p event.PresencePayload
		if !s.decode(env, &p) {
			return false
		}
		delete(s.online, p.User.ID)
		delete(s.typing, p.User.ID)
		return true
	}
	return false
}

func (s *Session) decode(env event.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.logger.Debug().Err(err).Str("channel", env.Channel).Str("event", env.Event).Msg("ignoring undecodable event")
		return false
	}
	return true
}

// ---------------------------------------------
// Local log
// ---------------------------------------------

func (s *Session) indexLocked(id int64) (int, bool) {
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].ID >= id })
	return i, i < len(s.log) && s.log[i].ID == id
}

// insertLocked places msg by id. Duplicates are ignored.
func (s *Session) insertLocked(msg *chat.Message) bool {
	i, found := s.indexLocked(msg.ID)
	if found {
		return false
	}
	s.log = append(s.log, nil)
	copy(s.log[i+1:], s.log[i:])
	s.log[i] = msg
	return true
}

func (s *Session) updateLocked(msg *chat.Message) bool {
	i, found := s.indexLocked(msg.ID)
	if !found {
		return false
	}
	updated := *s.log[i]
	updated.Body = msg.Body
	updated.Attachments = msg.Attachments
	updated.IsEdited = msg.IsEdited
	updated.EditedAt = msg.EditedAt
	s.log[i] = &updated
	return true
}

// removeLocked drops a deleted message and turns replies quoting it into
// placeholders.
func (s *Session) removeLocked(id int64) bool {
	i, found := s.indexLocked(id)
	if found {
		s.log = append(s.log[:i], s.log[i+1:]...)
	}
	for j, m := range s.log {
		if m.ReplyToID != nil && *m.ReplyToID == id {
			reply := *m
			reply.ReplyTo = &chat.ReplyPreview{ID: id, Body: chat.DeletedReplyBody, Deleted: true}
			s.log[j] = &reply
			found = true
		}
	}
	return found
}

// confirmLocked records a server-confirmed message. The first of response
// and echo retires the optimistic entry. Only an echo that beats the response
// leaves a mapping behind, for Send to pick up; a response never does, since
// the id alone dedupes a later echo.
func (s *Session) confirmLocked(msg *chat.Message, tempID string, fromEcho bool) {
	if tempID != "" {
		if s.removePendingLocked(tempID) && fromEcho {
			s.resolved[tempID] = msg.ID
		} else {
			delete(s.resolved, tempID)
		}
	}
	s.insertLocked(msg)
}

func (s *Session) removePendingLocked(tempID string) bool {
	for i, p := range s.pending {
		if p.ClientID == tempID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ---------------------------------------------
// Operations
// ---------------------------------------------

// Send renders d optimistically and appends it on the server. A failed send
// is rolled back and returned as *SendError.
func (s *Session) Send(ctx context.Context, d Draft) (*chat.Message, error) {
	s.mu.Lock()
	if s.state != Synced {
		s.mu.Unlock()
		return nil, ErrNotSynced
	}
	epoch, room, roomCtx := s.epoch, s.room, s.roomCtx
	d.ClientID = uuid.NewString()
	optimistic := &chat.Message{
		RoomID:    room.ID,
		AuthorID:  s.self.ID,
		Body:      d.Body,
		ReplyToID: d.ReplyToID,
		CreatedAt: s.opts.Now(),
		ClientID:  d.ClientID,
	}
	for _, u := range d.Attachments {
		optimistic.Attachments = append(optimistic.Attachments, chat.Attachment{
			Name:     u.Name,
			MimeType: u.ContentType,
			Size:     int64(len(u.Data)),
		})
	}
	s.pending = append(s.pending, optimistic)
	s.mu.Unlock()
	s.notify()

	sendCtx, stop := bind(ctx, roomCtx)
	msg, err := s.api.SendMessage(sendCtx, room.ID, d)
	stop()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil, ErrRoomChanged
	}
	if err != nil {
		// The echo may have confirmed the message although the response was lost.
		if id, ok := s.resolved[d.ClientID]; ok {
			delete(s.resolved, d.ClientID)
			var confirmed *chat.Message
			if i, found := s.indexLocked(id); found {
				c := *s.log[i]
				confirmed = &c
			}
			s.mu.Unlock()
			s.notify()
			return confirmed, nil
		}
		s.removePendingLocked(d.ClientID)
		s.mu.Unlock()
		s.notify()
		return nil, &SendError{TempID: d.ClientID, Draft: d, Err: err}
	}
	s.confirmLocked(msg, d.ClientID, false)
	s.mu.Unlock()
	s.notify()
	return msg, nil
}

// Retry sends the draft of a failed send again under a new temporary id.
func (s *Session) Retry(ctx context.Context, failed *SendError) (*chat.Message, error) {
	d := failed.Draft
	d.ClientID = ""
	return s.Send(ctx, d)
}

// LoadMore prepends the next older page. It is a no-op while a load is in
// flight or when the oldest message is loaded.
func (s *Session) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Synced || s.loading || !s.hasMore || len(s.log) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	epoch, room, roomCtx := s.epoch, s.room, s.roomCtx
	before := s.log[0].ID
	s.mu.Unlock()
	s.notify()

	loadCtx, stop := bind(ctx, roomCtx)
	page, err := s.api.Messages(loadCtx, room.ID, chat.PageQuery{BeforeID: before})
	stop()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrRoomChanged
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.notify()
		return err
	}
	for i := range page.Messages {
		m := page.Messages[i]
		s.insertLocked(&m)
	}
	s.hasMore = page.HasMore
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetTyping reports the local user's typing state. Failures are logged only.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) {
	s.mu.Lock()
	if s.state != Synced {
		s.mu.Unlock()
		return
	}
	room, roomCtx := s.room, s.roomCtx
	s.mu.Unlock()

	ctx, stop := bind(ctx, roomCtx)
	defer stop()
	if err := s.api.SetTyping(ctx, room.ID, isTyping); err != nil {
		s.logger.Debug().Err(err).Int64("room_id", room.ID).Msg("typing update failed")
	}
}

// ---------------------------------------------
// Views
// ---------------------------------------------

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Room() *chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Pending returns the number of sends awaiting confirmation.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ConfirmedID maps a temporary id to the server id while the send is being
// reconciled.
func (s *Session) ConfirmedID(tempID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolved[tempID]
	return id, ok
}

// Messages returns the confirmed log in ascending id order followed by the
// pending sends.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.log)+len(s.pending))
	for _, m := range s.log {
		out = append(out, Entry{Message: *m})
	}
	for _, m := range s.pending {
		out = append(out, Entry{Message: *m, Pending: true})
	}
	return out
}

func (s *Session) Online() []event.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.User, 0, len(s.online))
	for _, u := range s.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Typing returns the other users currently typing. Entries past their TTL
// are hidden even if no stop event arrived.
func (s *Session) Typing() []event.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	var out []event.User
	for _, t := range s.typing {
		if now.Before(t.until) {
			out = append(out, t.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

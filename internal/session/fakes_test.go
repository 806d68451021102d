package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/testfixtures"
)

// fakeAPI keeps an in-memory message log per room and pages it the way the
// server does.
type fakeAPI struct {
	mu     sync.Mutex
	rooms  map[int64][]chat.Message
	nextID int64
	size   int
	now    func() time.Time

	sendHook     func(ctx context.Context, roomID int64, d Draft) (*chat.Message, error)
	messagesHook func(ctx context.Context, roomID int64, q chat.PageQuery) error

	marked []int64
	typing []bool
	drafts []Draft
}

func newFakeAPI(size int) *fakeAPI {
	return &fakeAPI{
		rooms: make(map[int64][]chat.Message),
		size:  size,
		now:   testfixtures.ReferenceTime,
	}
}

// seed appends n messages by author to the room and returns them.
func (a *fakeAPI) seed(roomID, author int64, bodies ...string) []chat.Message {
	out := make([]chat.Message, 0, len(bodies))
	for _, body := range bodies {
		out = append(out, *a.store(roomID, Draft{Body: body}, author))
	}
	return out
}

func (a *fakeAPI) store(roomID int64, d Draft, author int64) *chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	msg := chat.Message{
		ID:          a.nextID,
		RoomID:      roomID,
		AuthorID:    author,
		Body:        d.Body,
		Attachments: []chat.Attachment{},
		ReplyToID:   d.ReplyToID,
		CreatedAt:   a.now(),
	}
	a.rooms[roomID] = append(a.rooms[roomID], msg)
	msg.ClientID = d.ClientID
	return &msg
}

func (a *fakeAPI) remove(roomID, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.rooms[roomID]
	for i := range msgs {
		if msgs[i].ID == id {
			a.rooms[roomID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (a *fakeAPI) Messages(ctx context.Context, roomID int64, q chat.PageQuery) (*chat.Page, error) {
	if a.messagesHook != nil {
		if err := a.messagesHook(ctx, roomID, q); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var window []chat.Message
	for _, m := range a.rooms[roomID] {
		if q.BeforeID == 0 || m.ID < q.BeforeID {
			window = append(window, m)
		}
	}
	hasMore := len(window) > a.size
	if hasMore {
		window = window[len(window)-a.size:]
	}
	return &chat.Page{Messages: append([]chat.Message{}, window...), HasMore: hasMore, CurrentPage: q.Page}, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
	a.mu.Lock()
	a.drafts = append(a.drafts, d)
	a.mu.Unlock()
	if a.sendHook != nil {
		return a.sendHook(ctx, roomID, d)
	}
	return a.store(roomID, d, alice.ID), nil
}

func (a *fakeAPI) MarkAsRead(ctx context.Context, roomID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marked = append(a.marked, roomID)
	return nil
}

func (a *fakeAPI) SetTyping(ctx context.Context, roomID int64, isTyping bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing = append(a.typing, isTyping)
	return nil
}

// fakeConn delivers events synchronously to the registered handlers.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(event.Envelope)
	history  []string
	denied   map[string]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]func(event.Envelope)), denied: make(map[string]bool)}
}

func (c *fakeConn) Subscribe(ctx context.Context, channel string, handler func(event.Envelope)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denied[channel] {
		return nil, apperr.Forbidden("not a member of this room")
	}
	c.handlers[channel] = handler
	c.history = append(c.history, channel)
	return &fakeSub{conn: c, channel: channel}, nil
}

func (c *fakeConn) handler(channel string) func(event.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[channel]
}

func (c *fakeConn) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) emit(t *testing.T, channel, name string, data any) {
	t.Helper()
	env, err := event.Encode(channel, event.Event{Name: name, Data: data})
	require.NoError(t, err)
	if h := c.handler(channel); h != nil {
		h(env)
	}
}

type fakeSub struct {
	conn    *fakeConn
	channel string
}

func (s *fakeSub) Channel() string { return s.channel }

func (s *fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.handlers, s.channel)
	return nil
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/testfixtures"
)

var (
	alice = event.User{ID: 1, Username: "alice"}
	bob   = event.User{ID: 2, Username: "bob"}

	general = &chat.Room{ID: 10, Kind: chat.KindPrivate, Name: "general"}
	random  = &chat.Room{ID: 11, Kind: chat.KindPublic, Name: "random"}
)

const (
	generalChat     = "private-chat.10"
	generalPresence = "presence-chat.10"
	randomChat      = "public-chat.11"
)

type fixture struct {
	api     *fakeAPI
	conn    *fakeConn
	clock   *testfixtures.Clock
	session *Session
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	api := newFakeAPI(pageSize)
	conn := newFakeConn()
	clock := testfixtures.NewClock(time.Time{})
	s := New(api, conn, alice, zerolog.Nop(), Options{TypingTTL: 8 * time.Second, Now: clock.Now})
	return &fixture{api: api, conn: conn, clock: clock, session: s}
}

func ids(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestOpenSubscribesLoadsAndMarksRead(t *testing.T) {
	f := newFixture(t, 20)
	f.api.seed(general.ID, bob.ID, "one", "two", "three")

	require.NoError(t, f.session.Open(context.Background(), general))

	assert.Equal(t, Synced, f.session.State())
	assert.Equal(t, []string{generalPresence, generalChat}, f.conn.channels())
	assert.Equal(t, []int64{1, 2, 3}, ids(f.session.Messages()))
	assert.False(t, f.session.HasMore())
	assert.Equal(t, []int64{general.ID}, f.api.marked)
}

func TestOpenPublicRoomSkipsPresenceByDefault(t *testing.T) {
	f := newFixture(t, 20)

	require.NoError(t, f.session.Open(context.Background(), random))
	assert.Equal(t, []string{randomChat}, f.conn.channels())
}

func TestOpenFailsWhenSubscriptionDenied(t *testing.T) {
	f := newFixture(t, 20)
	f.conn.denied[generalPresence] = true

	err := f.session.Open(context.Background(), general)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	assert.Equal(t, Idle, f.session.State())
	assert.Empty(t, f.conn.channels(), "partial subscriptions are released")
}

func TestSendEchoBeforeResponseKeepsOneEntry(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	f.api.sendHook = func(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
		entries := f.session.Messages()
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Pending)
		assert.Equal(t, d.ClientID, entries[0].ClientID)

		msg := f.api.store(roomID, d, alice.ID)
		f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: msg})

		id, ok := f.session.ConfirmedID(d.ClientID)
		assert.True(t, ok)
		assert.Equal(t, msg.ID, id)
		return msg, nil
	}

	msg, err := f.session.Send(ctx, Draft{Body: "hello"})
	require.NoError(t, err)

	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, msg.ID, entries[0].ID)
	assert.Equal(t, "hello", entries[0].Body)
	assert.Zero(t, f.session.Pending())

	_, pending := f.session.ConfirmedID(msg.ClientID)
	assert.False(t, pending, "mapping is discarded once both arrived")
}

func TestSendResponseBeforeEchoKeepsOneEntry(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	msg, err := f.session.Send(ctx, Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, ids(f.session.Messages()))

	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: msg})

	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].ID)
	assert.Zero(t, f.session.Pending())
}

func TestIdenticalBodiesAreDistinctMessages(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	first, err := f.session.Send(ctx, Draft{Body: "ok"})
	require.NoError(t, err)
	second, err := f.session.Send(ctx, Draft{Body: "ok"})
	require.NoError(t, err)

	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: second})
	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: first})

	assert.Equal(t, []int64{first.ID, second.ID}, ids(f.session.Messages()))
}

func TestSendFailureRollsBackAndRetries(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	f.api.sendHook = func(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
		return nil, apperr.Transport("POST /chat/rooms/10/messages", errors.New("connection reset"))
	}

	_, err := f.session.Send(ctx, Draft{Body: "hello"})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "hello", sendErr.Draft.Body)
	assert.True(t, apperr.Is(err, apperr.KindTransport))
	assert.Empty(t, f.session.Messages())
	assert.Zero(t, f.session.Pending())
	assert.Len(t, f.api.drafts, 1, "sends are never retried automatically")

	f.api.sendHook = nil
	msg, err := f.session.Retry(ctx, sendErr)
	require.NoError(t, err)
	assert.NotEqual(t, sendErr.TempID, msg.ClientID)
	assert.Equal(t, []int64{msg.ID}, ids(f.session.Messages()))
}

func TestSendLostResponseConfirmedByEcho(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	f.api.sendHook = func(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
		msg := f.api.store(roomID, d, alice.ID)
		f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: msg})
		return nil, apperr.Transport("read response", errors.New("unexpected EOF"))
	}

	msg, err := f.session.Send(ctx, Draft{Body: "hello"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []int64{msg.ID}, ids(f.session.Messages()))
}

func TestSendRequiresSyncedRoom(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.session.Send(context.Background(), Draft{Body: "hello"})
	assert.ErrorIs(t, err, ErrNotSynced)
}

func TestBroadcastsInsertByIDAndIgnoreDuplicates(t *testing.T) {
	f := newFixture(t, 20)
	msgs := f.api.seed(general.ID, bob.ID, "a", "b", "c", "d")
	f.api.remove(general.ID, 2)
	f.api.remove(general.ID, 4)
	require.NoError(t, f.session.Open(context.Background(), general))
	require.Equal(t, []int64{1, 3}, ids(f.session.Messages()))

	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: &msgs[3]})
	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: &msgs[1]})
	f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: &msgs[3]})

	assert.Equal(t, []int64{1, 2, 3, 4}, ids(f.session.Messages()))
}

func TestEventsDuringInitialLoadAreMerged(t *testing.T) {
	f := newFixture(t, 20)
	f.api.seed(general.ID, bob.ID, "a", "b")
	late := chat.Message{ID: 3, RoomID: general.ID, AuthorID: bob.ID, Body: "c"}

	f.api.messagesHook = func(ctx context.Context, roomID int64, q chat.PageQuery) error {
		assert.Equal(t, Subscribing, f.session.State())
		f.conn.emit(t, generalChat, event.MessageSent, chat.MessagePayload{Message: &late})
		f.conn.emit(t, generalChat, event.MessageDeleted, event.DeletedPayload{MessageID: 1, Action: "deleted"})
		return nil
	}

	require.NoError(t, f.session.Open(context.Background(), general))
	assert.Equal(t, []int64{2, 3}, ids(f.session.Messages()))
}

func TestLoadMorePrependsOlderPages(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, "a", "b", "c", "d", "e")

	require.NoError(t, f.session.Open(ctx, general))
	assert.Equal(t, []int64{4, 5}, ids(f.session.Messages()))
	assert.True(t, f.session.HasMore())

	require.NoError(t, f.session.LoadMore(ctx))
	assert.Equal(t, []int64{2, 3, 4, 5}, ids(f.session.Messages()))
	assert.True(t, f.session.HasMore())

	require.NoError(t, f.session.LoadMore(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(f.session.Messages()))
	assert.False(t, f.session.HasMore())

	calls := 0
	f.api.messagesHook = func(ctx context.Context, roomID int64, q chat.PageQuery) error {
		calls++
		return nil
	}
	require.NoError(t, f.session.LoadMore(ctx))
	assert.Zero(t, calls, "no request once the oldest page is loaded")
}

func TestLoadMoreIsNoopWhileInFlight(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, "a", "b", "c", "d", "e")
	require.NoError(t, f.session.Open(ctx, general))

	calls := 0
	f.api.messagesHook = func(ctx context.Context, roomID int64, q chat.PageQuery) error {
		calls++
		assert.True(t, f.session.Loading())
		require.NoError(t, f.session.LoadMore(ctx))
		return nil
	}
	require.NoError(t, f.session.LoadMore(ctx))
	assert.Equal(t, 1, calls)
	assert.False(t, f.session.Loading())
}

func TestRoomSwitchDiscardsLateResults(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, "a", "b", "c")
	f.api.seed(random.ID, bob.ID, "x")
	require.NoError(t, f.session.Open(ctx, general))
	oldHandler := f.conn.handler(generalChat)

	started := make(chan struct{})
	f.api.messagesHook = func(ctx context.Context, roomID int64, q chat.PageQuery) error {
		if q.BeforeID == 0 {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	errc := make(chan error, 1)
	go func() { errc <- f.session.LoadMore(ctx) }()
	<-started

	require.NoError(t, f.session.Open(ctx, random))
	assert.ErrorIs(t, <-errc, ErrRoomChanged)

	// An event still in flight for the old room must not leak into the new one.
	stale := chat.Message{ID: 99, RoomID: general.ID, AuthorID: bob.ID, Body: "late"}
	env, err := event.Encode(generalChat, event.Event{Name: event.MessageSent, Data: chat.MessagePayload{Message: &stale}})
	require.NoError(t, err)
	oldHandler(env)

	assert.Equal(t, random, f.session.Room())
	assert.Equal(t, []int64{4}, ids(f.session.Messages()))
	assert.Equal(t, []string{randomChat}, f.conn.channels())
}

func TestRoomSwitchCancelsInFlightSend(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	started := make(chan struct{})
	f.api.sendHook = func(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	errc := make(chan error, 1)
	go func() {
		_, err := f.session.Send(ctx, Draft{Body: "hello"})
		errc <- err
	}()
	<-started

	require.NoError(t, f.session.Open(ctx, random))
	assert.ErrorIs(t, <-errc, ErrRoomChanged)
	assert.Empty(t, f.session.Messages())
	assert.Zero(t, f.session.Pending())
}

func TestDeleteRemovesMessageAndMarksReplies(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, "question")
	require.NoError(t, f.session.Open(ctx, general))

	target := int64(1)
	reply, err := f.session.Send(ctx, Draft{Body: "answer", ReplyToID: &target})
	require.NoError(t, err)

	f.conn.emit(t, generalChat, event.MessageDeleted, event.DeletedPayload{MessageID: 1, Action: "deleted"})

	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, reply.ID, entries[0].ID)
	require.NotNil(t, entries[0].ReplyTo)
	assert.True(t, entries[0].ReplyTo.Deleted)
	assert.Equal(t, chat.DeletedReplyBody, entries[0].ReplyTo.Body)
}

func TestUpdateReplacesBody(t *testing.T) {
	f := newFixture(t, 20)
	msgs := f.api.seed(general.ID, bob.ID, "helo")
	require.NoError(t, f.session.Open(context.Background(), general))

	edited := msgs[0]
	edited.Body = "hello"
	edited.IsEdited = true
	f.conn.emit(t, generalChat, event.MessageUpdated, chat.MessagePayload{Message: &edited})

	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Body)
	assert.True(t, entries[0].IsEdited)
	assert.Equal(t, msgs[0].ID, entries[0].ID)
}

func TestPresenceAndTyping(t *testing.T) {
	f := newFixture(t, 20)
	require.NoError(t, f.session.Open(context.Background(), general))

	f.conn.emit(t, generalPresence, event.PresenceHere, event.HerePayload{Online: []event.User{alice}})
	f.conn.emit(t, generalPresence, event.PresenceJoining, event.PresencePayload{User: bob})
	assert.Equal(t, []event.User{alice, bob}, f.session.Online())

	f.conn.emit(t, generalChat, event.UserTyping, event.TypingPayload{User: bob, IsTyping: true})
	f.conn.emit(t, generalChat, event.UserTyping, event.TypingPayload{User: alice, IsTyping: true})
	assert.Equal(t, []event.User{bob}, f.session.Typing(), "own typing is not shown")

	f.clock.Advance(9 * time.Second)
	assert.Empty(t, f.session.Typing(), "stale indicator expires locally")

	f.conn.emit(t, generalChat, event.UserTyping, event.TypingPayload{User: bob, IsTyping: true})
	f.conn.emit(t, generalPresence, event.PresenceLeaving, event.PresencePayload{User: bob})
	assert.Empty(t, f.session.Typing())
	assert.Equal(t, []event.User{alice}, f.session.Online())
}

func TestSetTypingIsBestEffort(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	f.session.SetTyping(ctx, true)
	assert.Empty(t, f.api.typing, "ignored without an open room")

	require.NoError(t, f.session.Open(ctx, general))
	f.session.SetTyping(ctx, true)
	f.session.SetTyping(ctx, false)
	assert.Equal(t, []bool{true, false}, f.api.typing)
}

func TestReconnectedReconcilesNewestPage(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, "a", "b", "c")
	require.NoError(t, f.session.Open(ctx, general))
	require.Equal(t, []int64{1, 2, 3}, ids(f.session.Messages()))

	// Missed while disconnected: 2 was deleted and 4 was sent.
	f.api.remove(general.ID, 2)
	f.api.seed(general.ID, bob.ID, "d")

	require.NoError(t, f.session.Reconnected(ctx))
	assert.Equal(t, Synced, f.session.State())
	assert.Equal(t, []int64{1, 3, 4}, ids(f.session.Messages()))
	assert.Equal(t, []string{generalPresence, generalChat}, f.conn.channels())
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

func bodies(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "missed"
	}
	return out
}

func TestReconnectedAfterSeveralMissedPagesHasNoGap(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, bodies(5)...)
	require.NoError(t, f.session.Open(ctx, general))
	require.Equal(t, seq(1, 5), ids(f.session.Messages()))

	f.api.seed(general.ID, bob.ID, bodies(50)...)

	require.NoError(t, f.session.Reconnected(ctx))
	assert.Equal(t, seq(1, 55), ids(f.session.Messages()))
	assert.False(t, f.session.HasMore())
}

func TestReconnectedRestartsLogWhenGapIsTooLong(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, bodies(3)...)
	require.NoError(t, f.session.Open(ctx, general))
	require.NoError(t, f.session.LoadMore(ctx))
	require.Equal(t, seq(1, 3), ids(f.session.Messages()))
	require.False(t, f.session.HasMore())

	f.api.seed(general.ID, bob.ID, bodies(20)...)

	require.NoError(t, f.session.Reconnected(ctx))
	window := ids(f.session.Messages())
	assert.Equal(t, int64(23), window[len(window)-1])
	assert.NotContains(t, window, int64(3), "messages beyond the gap are dropped")
	assert.True(t, f.session.HasMore())

	for i := 0; i < 20 && f.session.HasMore(); i++ {
		require.NoError(t, f.session.LoadMore(ctx))
	}
	assert.Equal(t, seq(1, 23), ids(f.session.Messages()))
	assert.False(t, f.session.HasMore())
}

func TestReconnectedKeepsOlderHistoryWhenPagesOverlap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.api.seed(general.ID, bob.ID, bodies(4)...)
	require.NoError(t, f.session.Open(ctx, general))
	require.NoError(t, f.session.LoadMore(ctx))
	require.Equal(t, seq(1, 4), ids(f.session.Messages()))

	f.api.seed(general.ID, bob.ID, bodies(1)...)

	require.NoError(t, f.session.Reconnected(ctx))
	assert.Equal(t, seq(1, 5), ids(f.session.Messages()))
	assert.False(t, f.session.HasMore())
}

func TestSendResponseLeavesNoMappingWithoutEcho(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx, general))

	msg, err := f.session.Send(ctx, Draft{Body: "hello"})
	require.NoError(t, err)

	_, ok := f.session.ConfirmedID(msg.ClientID)
	assert.False(t, ok)
	f.session.mu.Lock()
	assert.Empty(t, f.session.resolved)
	f.session.mu.Unlock()
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, 20)
	require.NoError(t, f.session.Open(context.Background(), general))

	changes := 0
	f.session.OnChange(func() { changes++ })
	f.session.Close()

	assert.Equal(t, Idle, f.session.State())
	assert.Nil(t, f.session.Room())
	assert.Empty(t, f.conn.channels())
	assert.Positive(t, changes)
}

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/testfixtures"
)

type fakeAuthorizer struct {
	members map[int64][]int64 // room -> users
}

func (f fakeAuthorizer) ObserveRoom(ctx context.Context, roomID, userID int64) (string, error) {
	users, ok := f.members[roomID]
	if !ok {
		return "", apperr.NotFound("room not found")
	}
	for _, id := range users {
		if id == userID {
			return event.RoomChannel("private", roomID), nil
		}
	}
	return "", apperr.Forbidden("not a member of this room")
}

var (
	ana = event.User{ID: 1, Username: "ana"}
	ben = event.User{ID: 2, Username: "ben"}
	eve = event.User{ID: 9, Username: "eve"}
)

func newTracker(t *testing.T) (*Tracker, *testfixtures.Recorder, *testfixtures.Clock) {
	t.Helper()
	rec := &testfixtures.Recorder{}
	clock := testfixtures.NewClock(time.Time{})
	auth := fakeAuthorizer{members: map[int64][]int64{10: {ana.ID, ben.ID}}}
	tr := NewTracker(auth, rec, zerolog.Nop(), Config{
		Timeout:   90 * time.Second,
		TypingTTL: 8 * time.Second,
		Now:       clock.Now,
	})
	return tr, rec, clock
}

func TestSubscribeAnnouncesFirstConnectionOnly(t *testing.T) {
	tr, rec, _ := newTracker(t)
	ctx := context.Background()

	snap, err := tr.Subscribe(ctx, 10, ana, "c1")
	require.NoError(t, err)
	assert.Equal(t, []event.User{ana}, snap.Online)

	_, err = tr.Subscribe(ctx, 10, ana, "c2")
	require.NoError(t, err)

	snap, err = tr.Subscribe(ctx, 10, ben, "c3")
	require.NoError(t, err)
	assert.Equal(t, []event.User{ana, ben}, snap.Online)

	joins := rec.Named(event.PresenceJoining)
	require.Len(t, joins, 2)
	assert.Equal(t, "presence-chat.10", joins[0].Channel)
	assert.Equal(t, ana, joins[0].Event.Data.(event.PresencePayload).User)
	assert.Equal(t, ben, joins[1].Event.Data.(event.PresencePayload).User)
}

func TestSubscribeRequiresMembership(t *testing.T) {
	tr, rec, _ := newTracker(t)

	_, err := tr.Subscribe(context.Background(), 10, eve, "c9")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = tr.Subscribe(context.Background(), 404, ana, "c1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	assert.Empty(t, rec.Events())
	assert.Empty(t, tr.Snapshot(10).Online)
}

func TestUnsubscribeLeavesAfterLastConnection(t *testing.T) {
	tr, rec, _ := newTracker(t)
	ctx := context.Background()

	_, _ = tr.Subscribe(ctx, 10, ana, "c1")
	_, _ = tr.Subscribe(ctx, 10, ana, "c2")

	tr.Unsubscribe(ctx, 10, ana.ID, "c1")
	assert.Empty(t, rec.Named(event.PresenceLeaving))
	assert.Equal(t, []event.User{ana}, tr.Snapshot(10).Online)

	tr.Unsubscribe(ctx, 10, ana.ID, "c2")
	require.Len(t, rec.Named(event.PresenceLeaving), 1)
	assert.Empty(t, tr.Snapshot(10).Online)
}

func TestTypingLastWriteWinsAndClearsOnLeave(t *testing.T) {
	tr, rec, _ := newTracker(t)
	ctx := context.Background()
	_, _ = tr.Subscribe(ctx, 10, ana, "c1")

	require.NoError(t, tr.SetTyping(ctx, 10, ana, true))
	require.NoError(t, tr.SetTyping(ctx, 10, ana, true))
	assert.Equal(t, []event.User{ana}, tr.Snapshot(10).Typing)

	require.NoError(t, tr.SetTyping(ctx, 10, ana, false))
	assert.Empty(t, tr.Snapshot(10).Typing)

	require.NoError(t, tr.SetTyping(ctx, 10, ana, true))
	tr.Disconnect(ctx, "c1")
	assert.Empty(t, tr.Snapshot(10).Typing)

	typing := rec.Named(event.UserTyping)
	require.Len(t, typing, 5)
	last := typing[len(typing)-1]
	assert.Equal(t, "private-chat.10", last.Channel)
	assert.False(t, last.Event.Data.(event.TypingPayload).IsTyping)
}

func TestSetTypingRejectsNonMember(t *testing.T) {
	tr, rec, _ := newTracker(t)

	err := tr.SetTyping(context.Background(), 10, eve, true)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	assert.Empty(t, rec.Events())
}

func TestSweepExpiresStaleTyping(t *testing.T) {
	tr, rec, clock := newTracker(t)
	ctx := context.Background()
	_, _ = tr.Subscribe(ctx, 10, ben, "c3")
	require.NoError(t, tr.SetTyping(ctx, 10, ben, true))
	rec.Reset()

	clock.Advance(7 * time.Second)
	tr.Sweep(ctx)
	assert.Empty(t, rec.Events())

	clock.Advance(time.Second)
	assert.Empty(t, tr.Snapshot(10).Typing)
	tr.Sweep(ctx)
	stops := rec.Named(event.UserTyping)
	require.Len(t, stops, 1)
	assert.False(t, stops[0].Event.Data.(event.TypingPayload).IsTyping)
	assert.Equal(t, []event.User{ben}, tr.Snapshot(10).Online)
}

func TestSweepDropsSilentConnections(t *testing.T) {
	tr, rec, clock := newTracker(t)
	ctx := context.Background()
	_, _ = tr.Subscribe(ctx, 10, ana, "c1")
	_, _ = tr.Subscribe(ctx, 10, ben, "c3")

	clock.Advance(60 * time.Second)
	tr.Heartbeat("c3")
	clock.Advance(31 * time.Second)
	tr.Sweep(ctx)

	assert.Equal(t, []event.User{ben}, tr.Snapshot(10).Online)
	leaves := rec.Named(event.PresenceLeaving)
	require.Len(t, leaves, 1)
	assert.Equal(t, ana, leaves[0].Event.Data.(event.PresencePayload).User)

	// re-subscribing restores the entry
	snap, err := tr.Subscribe(ctx, 10, ana, "c4")
	require.NoError(t, err)
	assert.Equal(t, []event.User{ana, ben}, snap.Online)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

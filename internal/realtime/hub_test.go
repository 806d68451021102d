package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/auth"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/presence"
)

// roomAccess lets users 1 and 2 into room 10; user 9 is an outsider.
type roomAccess struct{}

func (roomAccess) member(roomID, userID int64) error {
	if roomID != 10 {
		return apperr.NotFound("room not found")
	}
	if userID != 1 && userID != 2 {
		return apperr.Forbidden("not a member of this room")
	}
	return nil
}

func (a roomAccess) ObserveRoom(ctx context.Context, roomID, userID int64) (string, error) {
	if err := a.member(roomID, userID); err != nil {
		return "", err
	}
	return event.RoomChannel("private", roomID), nil
}

func (a roomAccess) AuthorizeChannel(ctx context.Context, userID int64, channel string) error {
	prefix, id, err := event.ParseChannel(channel)
	if err != nil {
		return apperr.Validation(err.Error())
	}
	switch prefix {
	case event.PublicRooms:
		return nil
	case event.PrefixPrivateUser:
		if id != userID {
			return apperr.Forbidden("cannot subscribe to another user's channel")
		}
		return nil
	}
	return a.member(id, userID)
}

type testServer struct {
	hub *Hub
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(NewLocalBroker(), zerolog.Nop())
	go hub.Run(ctx)
	require.NoError(t, hub.SubscribeToBroker(ctx))

	tracker := presence.NewTracker(roomAccess{}, hub, zerolog.Nop(), presence.Config{})
	handler := NewHandler(hub, roomAccess{}, tracker, Options{PongWait: time.Minute}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		ctx := auth.WithIdentity(r.Context(), auth.Identity{ID: id, Username: "user" + strconv.FormatInt(id, 10)})
		handler.ServeWs(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)

	return &testServer{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *testServer) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?user="+strconv.FormatInt(userID, 10), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, action, channel string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Frame{Action: action, Channel: channel}))
}

// expect reads frames until one matches channel and name.
func expect(t *testing.T, conn *websocket.Conn, channel, name string) event.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env event.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s on %s", name, channel)
		if env.Channel == channel && env.Event == name {
			return env
		}
	}
}

func TestSubscribedClientReceivesPublishedEvents(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, 1)
	channel := event.RoomChannel("private", 10)

	sendFrame(t, conn, ActionSubscribe, channel)
	expect(t, conn, channel, event.SubscriptionSucceeded)

	require.NoError(t, srv.hub.Publish(context.Background(), channel, event.Event{
		Name: event.MessageSent,
		Data: map[string]string{"body": "hello"},
	}))

	env := expect(t, conn, channel, event.MessageSent)
	var data map[string]string
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, "hello", data["body"])
}

func TestSubscribeDeniedForOutsider(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, 9)
	channel := event.RoomChannel("private", 10)

	sendFrame(t, conn, ActionSubscribe, channel)
	env := expect(t, conn, channel, event.SubscriptionError)

	var payload event.ErrorPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "not a member of this room", payload.Error)
}

func TestSubscribeRejectsUnknownChannel(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, 1)

	sendFrame(t, conn, ActionSubscribe, "secret.1")
	expect(t, conn, "secret.1", event.SubscriptionError)
}

func TestPresenceLifecycle(t *testing.T) {
	srv := newTestServer(t)
	channel := event.PresenceChannel(10)

	ana := srv.dial(t, 1)
	sendFrame(t, ana, ActionSubscribe, channel)
	expect(t, ana, channel, event.SubscriptionSucceeded)
	here := expect(t, ana, channel, event.PresenceHere)

	var snapshot event.HerePayload
	require.NoError(t, here.Decode(&snapshot))
	require.Len(t, snapshot.Online, 1)
	assert.Equal(t, int64(1), snapshot.Online[0].ID)

	ben := srv.dial(t, 2)
	sendFrame(t, ben, ActionSubscribe, channel)
	expect(t, ben, channel, event.PresenceHere)

	// Ana may or may not see her own join depending on timing; wait for Ben's.
	for {
		joining := expect(t, ana, channel, event.PresenceJoining)
		var joined event.PresencePayload
		require.NoError(t, joining.Decode(&joined))
		if joined.User.ID == 2 {
			break
		}
	}

	// Dropping the socket without unsubscribing still announces the leave.
	ben.Close()
	leaving := expect(t, ana, channel, event.PresenceLeaving)
	var left event.PresencePayload
	require.NoError(t, leaving.Decode(&left))
	assert.Equal(t, int64(2), left.User.ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, 1)
	room := event.RoomChannel("private", 10)
	mine := event.UserChannel(1)

	sendFrame(t, conn, ActionSubscribe, room)
	expect(t, conn, room, event.SubscriptionSucceeded)
	sendFrame(t, conn, ActionSubscribe, mine)
	expect(t, conn, mine, event.SubscriptionSucceeded)

	sendFrame(t, conn, ActionUnsubscribe, room)
	ctx := context.Background()
	// Frames are handled in order, so once this marker arrives the
	// unsubscribe has been applied.
	sendFrame(t, conn, ActionSubscribe, event.PublicRooms)
	expect(t, conn, event.PublicRooms, event.SubscriptionSucceeded)

	require.NoError(t, srv.hub.Publish(ctx, room, event.Event{Name: event.MessageSent}))
	require.NoError(t, srv.hub.Publish(ctx, mine, event.Event{Name: event.RoomCreated}))

	// Events reach the hub in publish order, so a leaked room event would
	// arrive first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env event.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, mine, env.Channel)
	assert.Equal(t, event.RoomCreated, env.Event)
}

func TestMemberRemovedStopsRoomDelivery(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	room := event.RoomChannel("private", 10)
	presenceChannel := event.PresenceChannel(10)
	mine := event.UserChannel(2)

	ana := srv.dial(t, 1)
	sendFrame(t, ana, ActionSubscribe, presenceChannel)
	expect(t, ana, presenceChannel, event.PresenceHere)

	ben := srv.dial(t, 2)
	for _, channel := range []string{room, presenceChannel, mine} {
		sendFrame(t, ben, ActionSubscribe, channel)
		expect(t, ben, channel, event.SubscriptionSucceeded)
	}

	require.NoError(t, srv.hub.Publish(ctx, mine, event.Event{
		Name: event.MemberRemoved,
		Data: event.MembershipPayload{RoomID: 10, UserID: 2},
	}))
	expect(t, ben, mine, event.MemberRemoved)

	// Ben's presence in the room ends with the membership.
	for {
		leaving := expect(t, ana, presenceChannel, event.PresenceLeaving)
		var left event.PresencePayload
		require.NoError(t, leaving.Decode(&left))
		if left.User.ID == 2 {
			break
		}
	}

	require.NoError(t, srv.hub.Publish(ctx, room, event.Event{Name: event.MessageSent}))
	require.NoError(t, srv.hub.Publish(ctx, mine, event.Event{Name: event.RoomCreated}))

	// A leaked room event would arrive before the marker on Ben's own channel.
	ben.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env event.Envelope
		require.NoError(t, ben.ReadJSON(&env))
		if env.Channel == presenceChannel {
			continue
		}
		assert.Equal(t, mine, env.Channel)
		assert.Equal(t, event.RoomCreated, env.Event)
		break
	}
}

func TestServeWsRequiresIdentity(t *testing.T) {
	hub := NewHub(NewLocalBroker(), zerolog.Nop())
	handler := NewHandler(hub, roomAccess{}, nil, Options{}, zerolog.Nop())

	rec := httptest.NewRecorder()
	handler.ServeWs(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLocalBrokerFansOutToEverySubscriber(t *testing.T) {
	b := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, []byte("ping")))
	assert.Equal(t, []byte("ping"), <-first)
	assert.Equal(t, []byte("ping"), <-second)
}

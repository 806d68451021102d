// Package event defines the broadcast vocabulary shared by the server fan-out
// and the client session: channel names, event names and the wire envelope.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	MessageSent    = "message.sent"
	MessageUpdated = "message.updated"
	MessageDeleted = "message.deleted"
	UserTyping     = "user.typing"
	RoomCreated    = "room.created"
	MemberRemoved  = "member.removed"

	PresenceHere    = "presence.here"
	PresenceJoining = "presence.joining"
	PresenceLeaving = "presence.leaving"

	SubscriptionSucceeded = "subscription.succeeded"
	SubscriptionError     = "subscription.error"
)

// Channel prefixes. Room chat channels are named by room kind.
const (
	PrefixPublicChat   = "public-chat"
	PrefixPrivateChat  = "private-chat"
	PrefixDirectChat   = "direct-chat"
	PrefixPresenceChat = "presence-chat"
	PrefixPrivateUser  = "private-user"

	PublicRooms = "public-rooms"
)

// Event is a named payload published on a channel.
type Event struct {
	Name string
	Data any
}

// Envelope is the JSON frame carried by the broker and written to websocket clients.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks go-chat-rooms/internal/event Publisher

// Publisher fans an event out to every subscriber of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, evt Event) error
}

// Encode builds the wire envelope for evt.
func Encode(channel string, evt Event) (Envelope, error) {
	env := Envelope{Channel: channel, Event: evt.Name}
	if evt.Data != nil {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", evt.Name, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// User is the compact user reference carried by typing and presence events.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type TypingPayload struct {
	User     User `json:"user"`
	IsTyping bool `json:"is_typing"`
}

type DeletedPayload struct {
	MessageID int64  `json:"message_id"`
	Action    string `json:"action"`
}

type PresencePayload struct {
	User User `json:"user"`
}

type HerePayload struct {
	Online []User `json:"online"`
	Typing []User `json:"typing"`
}

// MembershipPayload tells a user's connections that their membership of a
// room ended.
type MembershipPayload struct {
	RoomID int64 `json:"room_id"`
	UserID int64 `json:"user_id"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// RoomChannel returns the chat channel of a room of the given kind.
func RoomChannel(kind string, roomID int64) string {
	switch kind {
	case "public":
		return fmt.Sprintf("%s.%d", PrefixPublicChat, roomID)
	case "direct":
		return fmt.Sprintf("%s.%d", PrefixDirectChat, roomID)
	default:
		return fmt.Sprintf("%s.%d", PrefixPrivateChat, roomID)
	}
}

func PresenceChannel(roomID int64) string {
	return fmt.Sprintf("%s.%d", PrefixPresenceChat, roomID)
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("%s.%d", PrefixPrivateUser, userID)
}

// ParseChannel splits "prefix.id" channels. PublicRooms parses with id 0.
func ParseChannel(channel string) (prefix string, id int64, err error) {
	if channel == PublicRooms {
		return PublicRooms, 0, nil
	}
	prefix, rawID, ok := strings.Cut(channel, ".")
	if !ok {
		return "", 0, fmt.Errorf("malformed channel %q", channel)
	}
	switch prefix {
	case PrefixPublicChat, PrefixPrivateChat, PrefixDirectChat, PrefixPresenceChat, PrefixPrivateUser:
	default:
		return "", 0, fmt.Errorf("unknown channel prefix %q", prefix)
	}
	id, err = strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("malformed channel id in %q", channel)
	}
	return prefix, id, nil
}

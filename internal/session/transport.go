package session

import (
	"context"

	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/event"
)

// API is the request/response side of the chat service.
type API interface {
	Messages(ctx context.Context, roomID int64, q chat.PageQuery) (*chat.Page, error)
	SendMessage(ctx context.Context, roomID int64, d Draft) (*chat.Message, error)
	MarkAsRead(ctx context.Context, roomID int64) error
	SetTyping(ctx context.Context, roomID int64, isTyping bool) error
}

// Conn is a broadcast connection shared by the caller. Handlers run on the
// connection's reader goroutine.
type Conn interface {
	Subscribe(ctx context.Context, channel string, handler func(event.Envelope)) (Subscription, error)
}

type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Upload is an attachment file sent with a draft.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is a message as composed by the user, before the server accepts it.
type Draft struct {
	Body        string
	Attachments []Upload
	ReplyToID   *int64
	// ClientID is the temporary id the server echoes back. Set by Send.
	ClientID string
}

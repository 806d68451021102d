package chat

import "time"

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type RoomKind string

const (
	KindPublic  RoomKind = "public"
	KindPrivate RoomKind = "private"
	KindDirect  RoomKind = "direct"
)

func (k RoomKind) Valid() bool {
	return k == KindPublic || k == KindPrivate || k == KindDirect
}

type Room struct {
	ID          int64           `json:"id"`
	Kind        RoomKind        `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image,omitempty"`
	CreatedBy   int64           `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	LastMessage *MessageSummary `json:"last_message,omitempty"` // denormalized for the room list
}

// MessageSummary caches the most recent live message of a room.
type MessageSummary struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	RoomID      int64     `json:"room_id"`
	UserID      int64     `json:"user_id"`
	UnreadCount int       `json:"unread_count"`
	JoinedAt    time.Time `json:"joined_at"`
}

// RoomListing is a room as seen by one of its members.
type RoomListing struct {
	Room
	UnreadCount int `json:"unread_count"`
}

type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// DeletedReplyBody is rendered in place of a reply target that was deleted.
const DeletedReplyBody = "original message deleted"

type ReplyPreview struct {
	ID       int64  `json:"id"`
	AuthorID int64  `json:"author_id,omitempty"`
	Body     string `json:"body"`
	Deleted  bool   `json:"deleted"`
}

type Message struct {
	ID          int64         `json:"id"`
	RoomID      int64         `json:"room_id"`
	AuthorID    int64         `json:"author_id"`
	Body        string        `json:"body"`
	Attachments []Attachment  `json:"attachments"`
	ReplyToID   *int64        `json:"reply_to_id,omitempty"`
	ReplyTo     *ReplyPreview `json:"reply_to,omitempty"`
	IsEdited    bool          `json:"is_edited"`
	CreatedAt   time.Time     `json:"created_at"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	DeletedAt   *time.Time    `json:"-"`

	// ClientID echoes the sender's temporary id on the append response and
	// broadcast so optimistic entries can be reconciled. Never persisted.
	ClientID string `json:"client_id,omitempty"`
}

func (m *Message) Deleted() bool { return m.DeletedAt != nil }

func (m *Message) summary() *MessageSummary {
	return &MessageSummary{ID: m.ID, AuthorID: m.AuthorID, Body: m.Body, CreatedAt: m.CreatedAt}
}

type Page struct {
	Messages    []Message `json:"messages"`
	HasMore     bool      `json:"has_more"`
	CurrentPage int       `json:"current_page"`
}

// PageQuery selects a page of history. BeforeID takes precedence over Page.
type PageQuery struct {
	BeforeID int64
	Page     int
	Size     int
}

// ---------------------------------------------
// Broadcast payloads
// ---------------------------------------------

type MessagePayload struct {
	Message *Message `json:"message"`
}

type RoomPayload struct {
	Room *Room `json:"room"`
}

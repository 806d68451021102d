package chat

import (
	"context"
	"fmt"
	"time"
)

// Repository is the storage contract of the chat feature. Every method is
// atomic: a failing call leaves no partial state behind.
type Repository interface {
	// CreateRoom inserts room and its initial members.
	CreateRoom(ctx context.Context, room *Room, memberIDs []int64) (*Room, error)
	// CreateDirectRoom returns the direct room of the unordered pair (a, b),
	// creating it when absent. created reports whether this call inserted it.
	CreateDirectRoom(ctx context.Context, a, b int64, at time.Time) (room *Room, created bool, err error)
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	ListRoomsForUser(ctx context.Context, userID int64) ([]RoomListing, error)

	AddMembers(ctx context.Context, roomID int64, userIDs []int64, at time.Time) ([]int64, error)
	RemoveMember(ctx context.Context, roomID, userID int64) error
	GetMember(ctx context.Context, roomID, userID int64) (*Member, error)
	ListMembers(ctx context.Context, roomID int64) ([]Member, error)
	ResetUnread(ctx context.Context, roomID, userID int64) error

	// AppendMessage assigns the next id of the room, increments unread_count
	// of every other member and refreshes the room's last-message summary.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	// GetMessage returns live and tombstoned messages alike.
	GetMessage(ctx context.Context, messageID int64) (*Message, error)
	GetMessages(ctx context.Context, ids []int64) (map[int64]*Message, error)
	UpdateMessageBody(ctx context.Context, messageID int64, body string, at time.Time) (*Message, error)
	TombstoneMessage(ctx context.Context, messageID int64, at time.Time) error
	// ListMessages returns live messages newest first. beforeID 0 means no upper bound.
	ListMessages(ctx context.Context, roomID, beforeID int64, offset, limit int) ([]Message, error)
}

// directKey is the unordered pair key that makes direct rooms unique.
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

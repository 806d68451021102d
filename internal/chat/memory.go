package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps the chat state in process. It backs development
// runs without DB_DSN and the service tests. A single mutex makes every
// method atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	nextRoom int64
	nextMsg  int64
	rooms    map[int64]*Room
	direct   map[string]int64
	members  map[int64]map[int64]*Member
	messages map[int64]*Message
	byRoom   map[int64][]int64 // ascending message ids
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:    make(map[int64]*Room),
		direct:   make(map[string]int64),
		members:  make(map[int64]map[int64]*Member),
		messages: make(map[int64]*Message),
		byRoom:   make(map[int64][]int64),
	}
}

func (r *MemoryRepository) CreateRoom(ctx context.Context, room *Room, memberIDs []int64) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertRoomLocked(room, memberIDs), nil
}

func (r *MemoryRepository) insertRoomLocked(room *Room, memberIDs []int64) *Room {
	r.nextRoom++
	stored := *room
	stored.ID = r.nextRoom
	r.rooms[stored.ID] = &stored

	set := make(map[int64]*Member, len(memberIDs))
	for _, id := range memberIDs {
		set[id] = &Member{RoomID: stored.ID, UserID: id, JoinedAt: stored.CreatedAt}
	}
	r.members[stored.ID] = set

	out := stored
	return &out
}

func (r *MemoryRepository) CreateDirectRoom(ctx context.Context, a, b int64, at time.Time) (*Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := directKey(a, b)
	if id, ok := r.direct[key]; ok {
		return r.copyRoomLocked(id), false, nil
	}

	room := r.insertRoomLocked(&Room{Kind: KindDirect, Name: key, CreatedBy: a, CreatedAt: at}, []int64{a, b})
	r.direct[key] = room.ID
	return room, true, nil
}

func (r *MemoryRepository) copyRoomLocked(id int64) *Room {
	room := *r.rooms[id]
	if room.LastMessage != nil {
		last := *room.LastMessage
		room.LastMessage = &last
	}
	return &room
}

func (r *MemoryRepository) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	return r.copyRoomLocked(roomID), nil
}

func (r *MemoryRepository) ListRoomsForUser(ctx context.Context, userID int64) ([]RoomListing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RoomListing
	for roomID, set := range r.members {
		m, ok := set[userID]
		if !ok {
			continue
		}
		out = append(out, RoomListing{Room: *r.copyRoomLocked(roomID), UnreadCount: m.UnreadCount})
	}
	sortListings(out)
	return out, nil
}

// sortListings orders rooms by most recent activity, newest first.
func sortListings(rooms []RoomListing) {
	activity := func(l RoomListing) time.Time {
		if l.LastMessage != nil {
			return l.LastMessage.CreatedAt
		}
		return l.CreatedAt
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		ai, aj := activity(rooms[i]), activity(rooms[j])
		if ai.Equal(aj) {
			return rooms[i].ID > rooms[j].ID
		}
		return ai.After(aj)
	})
}

func (r *MemoryRepository) AddMembers(ctx context.Context, roomID int64, userIDs []int64, at time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	var added []int64
	for _, id := range userIDs {
		if _, exists := set[id]; exists {
			continue
		}
		set[id] = &Member{RoomID: roomID, UserID: id, JoinedAt: at}
		added = append(added, id)
	}
	return added, nil
}

func (r *MemoryRepository) RemoveMember(ctx context.Context, roomID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := set[userID]; !ok {
		return ErrNotMember
	}
	delete(set, userID)
	return nil
}

func (r *MemoryRepository) GetMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m, ok := set[userID]
	if !ok {
		return nil, ErrNotMember
	}
	out := *m
	return &out, nil
}

func (r *MemoryRepository) ListMembers(ctx context.Context, roomID int64) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *MemoryRepository) ResetUnread(ctx context.Context, roomID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[roomID][userID]
	if !ok {
		return ErrNotMember
	}
	m.UnreadCount = 0
	return nil
}

func (r *MemoryRepository) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[msg.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	set := r.members[msg.RoomID]
	if _, ok := set[msg.AuthorID]; !ok {
		return nil, ErrNotMember
	}
	if msg.ReplyToID != nil {
		target, ok := r.messages[*msg.ReplyToID]
		if !ok || target.RoomID != msg.RoomID {
			return nil, ErrInvalidReply
		}
	}

	r.nextMsg++
	stored := cloneMessage(msg)
	stored.ID = r.nextMsg
	r.messages[stored.ID] = stored
	r.byRoom[stored.RoomID] = append(r.byRoom[stored.RoomID], stored.ID)

	for userID, m := range set {
		if userID != stored.AuthorID {
			m.UnreadCount++
		}
	}
	room.LastMessage = stored.summary()

	return cloneMessage(stored), nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (r *MemoryRepository) GetMessages(ctx context.Context, ids []int64) (map[int64]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int64]*Message, len(ids))
	for _, id := range ids {
		if msg, ok := r.messages[id]; ok {
			out[id] = cloneMessage(msg)
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdateMessageBody(ctx context.Context, messageID int64, body string, at time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok || msg.Deleted() {
		return nil, ErrMessageNotFound
	}
	msg.Body = body
	msg.IsEdited = true
	edited := at
	msg.EditedAt = &edited

	if room := r.rooms[msg.RoomID]; room.LastMessage != nil && room.LastMessage.ID == msg.ID {
		room.LastMessage = msg.summary()
	}
	return cloneMessage(msg), nil
}

func (r *MemoryRepository) TombstoneMessage(ctx context.Context, messageID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok || msg.Deleted() {
		return ErrMessageNotFound
	}
	deleted := at
	msg.DeletedAt = &deleted

	room := r.rooms[msg.RoomID]
	if room.LastMessage != nil && room.LastMessage.ID == msg.ID {
		room.LastMessage = nil
		ids := r.byRoom[msg.RoomID]
		for i := len(ids) - 1; i >= 0; i-- {
			if prev := r.messages[ids[i]]; !prev.Deleted() {
				room.LastMessage = prev.summary()
				break
			}
		}
	}
	return nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, roomID, beforeID int64, offset, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byRoom[roomID]
	out := make([]Message, 0, limit)
	skipped := 0
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.messages[ids[i]]
		if msg.Deleted() || (beforeID > 0 && msg.ID >= beforeID) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *cloneMessage(msg))
	}
	return out, nil
}

func cloneMessage(m *Message) *Message {
	out := *m
	out.Attachments = make([]Attachment, len(m.Attachments))
	copy(out.Attachments, m.Attachments)
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		out.ReplyToID = &id
	}
	out.ReplyTo = nil
	out.ClientID = ""
	return &out
}

package chat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/auth"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/metrics"
)

const (
	maxBodyRunes     = 4000
	maxRoomNameRunes = 100
	maxPageSize      = 100
	replyPreviewLen  = 140
	appendStripes    = 64
)

type CreateRoomInput struct {
	Name        string
	Kind        RoomKind
	Description string
	Image       string
	MemberIDs   []int64
}

type SendInput struct {
	Body        string
	Attachments []Attachment
	ReplyToID   *int64
	ClientID    string
}

// Service implements room membership and the message log on top of a
// Repository, and announces every committed change through the Publisher.
type Service struct {
	repo     Repository
	pub      event.Publisher
	logger   zerolog.Logger
	now      func() time.Time
	pageSize int

	// appendLocks serialise append+publish per room so this instance
	// broadcasts a room's messages in id order.
	appendLocks [appendStripes]sync.Mutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= maxPageSize {
			s.pageSize = n
		}
	}
}

func NewService(repo Repository, pub event.Publisher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		pub:      pub,
		logger:   logger.With().Str("component", "chat").Logger(),
		now:      time.Now,
		pageSize: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// publish is best-effort: the change is already committed and clients
// reconcile missed events by re-fetching.
func (s *Service) publish(ctx context.Context, channel string, evt event.Event) {
	if err := s.pub.Publish(ctx, channel, evt); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Str("event", evt.Name).Msg("broadcast failed")
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// ---------------------------------------------
// Rooms
// ---------------------------------------------

func (s *Service) CreateRoom(ctx context.Context, caller auth.Identity, in CreateRoomInput) (*Room, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, ErrRoomNameRequired
	case utf8.RuneCountInString(name) > maxRoomNameRunes:
		return nil, ErrRoomNameTooLong
	case in.Kind != KindPublic && in.Kind != KindPrivate:
		return nil, ErrInvalidRoomKind
	}

	members := []int64{caller.ID}
	if in.Kind == KindPublic {
		for _, id := range in.MemberIDs {
			if id != caller.ID {
				return nil, ErrPublicRoomMembers
			}
		}
	} else {
		seen := map[int64]bool{caller.ID: true}
		for _, id := range in.MemberIDs {
			if id <= 0 {
				return nil, ErrInvalidUser
			}
			if !seen[id] {
				seen[id] = true
				members = append(members, id)
			}
		}
	}

	room, err := s.repo.CreateRoom(ctx, &Room{
		Kind:        in.Kind,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Image:       in.Image,
		CreatedBy:   caller.ID,
		CreatedAt:   s.timestamp(),
	}, members)
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreated.WithLabelValues(string(room.Kind)).Inc()
	s.logger.Info().Int64("room_id", room.ID).Str("kind", string(room.Kind)).Int("members", len(members)).Msg("room created")

	s.announceRoom(ctx, room, members)
	return room, nil
}

func (s *Service) announceRoom(ctx context.Context, room *Room, userIDs []int64) {
	evt := event.Event{Name: event.RoomCreated, Data: RoomPayload{Room: room}}
	for _, id := range userIDs {
		s.publish(ctx, event.UserChannel(id), evt)
	}
	if room.Kind == KindPublic {
		s.publish(ctx, event.PublicRooms, evt)
	}
}

// CreateDirectChat returns the direct room between the caller and otherID,
// creating it on first use. Repeated and concurrent calls yield one room.
func (s *Service) CreateDirectChat(ctx context.Context, caller auth.Identity, otherID int64) (*Room, error) {
	if otherID <= 0 {
		return nil, ErrInvalidUser
	}
	if otherID == caller.ID {
		return nil, ErrDirectWithSelf
	}

	room, created, err := s.repo.CreateDirectRoom(ctx, caller.ID, otherID, s.timestamp())
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RoomsCreated.WithLabelValues(string(KindDirect)).Inc()
		s.logger.Info().Int64("room_id", room.ID).Int64("user_a", caller.ID).Int64("user_b", otherID).Msg("direct chat created")
		s.announceRoom(ctx, room, []int64{caller.ID, otherID})
	}
	return room, nil
}

func (s *Service) ListRooms(ctx context.Context, caller auth.Identity) ([]RoomListing, error) {
	rooms, err := s.repo.ListRoomsForUser(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []RoomListing{}
	}
	return rooms, nil
}

func (s *Service) Join(ctx context.Context, caller auth.Identity, roomID int64) error {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	switch room.Kind {
	case KindDirect:
		return ErrDirectNotJoinable
	case KindPrivate:
		return ErrInviteOnly
	}

	added, err := s.repo.AddMembers(ctx, roomID, []int64{caller.ID}, s.timestamp())
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// Leave removes the caller's membership. Rooms left without members are
// kept. Leaving a private room revokes the caller's open subscriptions to it.
func (s *Service) Leave(ctx context.Context, caller auth.Identity, roomID int64) error {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == KindDirect {
		return ErrDirectImmutable
	}
	if err := s.repo.RemoveMember(ctx, roomID, caller.ID); err != nil {
		return err
	}
	if room.Kind == KindPrivate {
		s.publish(ctx, event.UserChannel(caller.ID), event.Event{
			Name: event.MemberRemoved,
			Data: event.MembershipPayload{RoomID: roomID, UserID: caller.ID},
		})
	}
	return nil
}

// AddMembers invites users to a private room and returns the ids actually added.
func (s *Service) AddMembers(ctx context.Context, caller auth.Identity, roomID int64, userIDs []int64) ([]int64, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Kind != KindPrivate {
		return nil, ErrMembersNotAllowed
	}
	if _, err := s.repo.GetMember(ctx, roomID, caller.ID); err != nil {
		return nil, err
	}
	for _, id := range userIDs {
		if id <= 0 {
			return nil, ErrInvalidUser
		}
	}

	added, err := s.repo.AddMembers(ctx, roomID, userIDs, s.timestamp())
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.announceRoom(ctx, room, added)
	}
	return added, nil
}

func (s *Service) MarkAsRead(ctx context.Context, caller auth.Identity, roomID int64) error {
	if _, err := s.repo.GetRoom(ctx, roomID); err != nil {
		return err
	}
	return s.repo.ResetUnread(ctx, roomID, caller.ID)
}

func (s *Service) Members(ctx context.Context, caller auth.Identity, roomID int64) ([]Member, error) {
	if _, err := s.readableRoom(ctx, caller.ID, roomID); err != nil {
		return nil, err
	}
	return s.repo.ListMembers(ctx, roomID)
}

// readableRoom loads a room the user may read: public rooms are open,
// other kinds require membership.
func (s *Service) readableRoom(ctx context.Context, userID, roomID int64) (*Room, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Kind == KindPublic {
		return room, nil
	}
	if _, err := s.repo.GetMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return room, nil
}

// ObserveRoom authorises presence and typing for a room and returns the
// room's chat channel.
func (s *Service) ObserveRoom(ctx context.Context, roomID, userID int64) (string, error) {
	room, err := s.readableRoom(ctx, userID, roomID)
	if err != nil {
		return "", err
	}
	return event.RoomChannel(string(room.Kind), room.ID), nil
}

// AuthorizeChannel decides whether userID may subscribe to a broadcast
// channel. Presence channels are authorised by the presence tracker.
func (s *Service) AuthorizeChannel(ctx context.Context, userID int64, channel string) error {
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
	case event.PrefixPresenceChat:
		_, err := s.ObserveRoom(ctx, id, userID)
		return err
	}

	room, err := s.readableRoom(ctx, userID, id)
	if err != nil {
		return err
	}
	if event.RoomChannel(string(room.Kind), room.ID) != channel {
		return ErrRoomNotFound
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func validateBody(body string, attachments int) error {
	if strings.TrimSpace(body) == "" && attachments == 0 {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return ErrMessageTooLong
	}
	return nil
}

// CheckSend runs the read-only checks of Send so a message can be rejected
// before its uploads are stored.
func (s *Service) CheckSend(ctx context.Context, caller auth.Identity, roomID int64, body string, attachments int) error {
	if err := validateBody(body, attachments); err != nil {
		return err
	}
	if _, err := s.repo.GetRoom(ctx, roomID); err != nil {
		return err
	}
	_, err := s.repo.GetMember(ctx, roomID, caller.ID)
	return err
}

// Send appends a message to the room log and broadcasts it. Nothing is
// applied when the author is not a member or the input is invalid.
func (s *Service) Send(ctx context.Context, caller auth.Identity, roomID int64, in SendInput) (*Message, error) {
	if err := validateBody(in.Body, len(in.Attachments)); err != nil {
		return nil, err
	}
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	attachments := in.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}

	lock := &s.appendLocks[roomID%appendStripes]
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.repo.AppendMessage(ctx, &Message{
		RoomID:      roomID,
		AuthorID:    caller.ID,
		Body:        in.Body,
		Attachments: attachments,
		ReplyToID:   in.ReplyToID,
		CreatedAt:   s.timestamp(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.resolveReplies(ctx, []*Message{msg}); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", msg.ID).Msg("reply preview unavailable")
	}
	msg.ClientID = in.ClientID

	metrics.MessagesSent.WithLabelValues(string(room.Kind)).Inc()
	s.logger.Debug().Int64("room_id", roomID).Int64("message_id", msg.ID).Int64("author_id", caller.ID).Msg("message appended")

	s.publish(ctx, event.RoomChannel(string(room.Kind), roomID), event.Event{
		Name: event.MessageSent,
		Data: MessagePayload{Message: msg},
	})
	return msg, nil
}

// Page returns one page of live history in ascending id order.
func (s *Service) Page(ctx context.Context, caller auth.Identity, roomID int64, q PageQuery) (*Page, error) {
	if _, err := s.readableRoom(ctx, caller.ID, roomID); err != nil {
		return nil, err
	}

	size := q.Size
	if size <= 0 {
		size = s.pageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	offset, current := 0, 0
	if q.BeforeID <= 0 {
		current = q.Page
		if current < 1 {
			current = 1
		}
		offset = (current - 1) * size
	}

	// +1 for has_more check
	msgs, err := s.repo.ListMessages(ctx, roomID, q.BeforeID, offset, size+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(msgs) > size
	if hasMore {
		msgs = msgs[:size]
	}

	// newest-first from storage, ascending for display
	out := make([]Message, len(msgs))
	ptrs := make([]*Message, len(msgs))
	for i := range msgs {
		out[len(msgs)-1-i] = msgs[i]
	}
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := s.resolveReplies(ctx, ptrs); err != nil {
		return nil, err
	}

	return &Page{Messages: out, HasMore: hasMore, CurrentPage: current}, nil
}

// resolveReplies fills ReplyTo previews. Tombstoned targets render as a
// deleted placeholder.
func (s *Service) resolveReplies(ctx context.Context, msgs []*Message) error {
	var ids []int64
	for _, m := range msgs {
		if m.ReplyToID != nil {
			ids = append(ids, *m.ReplyToID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	targets, err := s.repo.GetMessages(ctx, ids)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ReplyToID == nil {
			continue
		}
		target, ok := targets[*m.ReplyToID]
		if !ok || target.Deleted() {
			m.ReplyTo = &ReplyPreview{ID: *m.ReplyToID, Body: DeletedReplyBody, Deleted: true}
			continue
		}
		m.ReplyTo = &ReplyPreview{ID: target.ID, AuthorID: target.AuthorID, Body: truncate(target.Body, replyPreviewLen)}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// Edit replaces the body of the caller's own message.
func (s *Service) Edit(ctx context.Context, caller auth.Identity, messageID int64, body string) (*Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, ErrMessageNotFound
	}
	if msg.AuthorID != caller.ID {
		return nil, ErrNotAuthor
	}
	if err := validateBody(body, len(msg.Attachments)); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateMessageBody(ctx, messageID, body, s.timestamp())
	if err != nil {
		return nil, err
	}
	if err := s.resolveReplies(ctx, []*Message{updated}); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", updated.ID).Msg("reply preview unavailable")
	}

	room, err := s.repo.GetRoom(ctx, updated.RoomID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, event.RoomChannel(string(room.Kind), room.ID), event.Event{
		Name: event.MessageUpdated,
		Data: MessagePayload{Message: updated},
	})
	return updated, nil
}

// Delete tombstones a message. Authors and the room creator may delete;
// moderator roles may delete in rooms they can read.
func (s *Service) Delete(ctx context.Context, caller auth.Identity, messageID int64) error {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Deleted() {
		return ErrMessageNotFound
	}
	room, err := s.repo.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	if msg.AuthorID != caller.ID && room.CreatedBy != caller.ID {
		if !caller.Role.CanModerate() {
			return ErrCannotDelete
		}
		if _, err := s.readableRoom(ctx, caller.ID, room.ID); err != nil {
			return err
		}
	}

	if err := s.repo.TombstoneMessage(ctx, messageID, s.timestamp()); err != nil {
		return err
	}
	metrics.MessagesDeleted.Inc()
	s.logger.Info().Int64("room_id", room.ID).Int64("message_id", messageID).Int64("by", caller.ID).Msg("message deleted")

	s.publish(ctx, event.RoomChannel(string(room.Kind), room.ID), event.Event{
		Name: event.MessageDeleted,
		Data: event.DeletedPayload{MessageID: messageID, Action: "deleted"},
	})
	return nil
}

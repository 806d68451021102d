package chat

import "go-chat-rooms/internal/apperr"

// Domain errors returned by the repository and service.
var (
	ErrRoomNotFound      = apperr.NotFound("room not found")
	ErrMessageNotFound   = apperr.NotFound("message not found")
	ErrNotMember         = apperr.Forbidden("not a member of this room")
	ErrAlreadyMember     = apperr.Forbidden("already a member of this room")
	ErrDirectNotJoinable = apperr.Forbidden("direct chats cannot be joined")
	ErrDirectImmutable   = apperr.Forbidden("direct chat membership cannot change")
	ErrInviteOnly        = apperr.Forbidden("private rooms are invite-only")
	ErrMembersNotAllowed = apperr.Forbidden("members can only be added to private rooms")
	ErrNotAuthor         = apperr.Forbidden("only the author can edit this message")
	ErrCannotDelete      = apperr.Forbidden("only the author or a moderator can delete this message")

	ErrEmptyMessage       = apperr.Validation("message body or attachments required")
	ErrMessageTooLong     = apperr.Validation("message body exceeds 4000 characters")
	ErrInvalidReply       = apperr.Validation("reply target is not a message of this room")
	ErrRoomNameRequired   = apperr.Validation("room name is required")
	ErrRoomNameTooLong    = apperr.Validation("room name exceeds 100 characters")
	ErrInvalidRoomKind    = apperr.Validation("room type must be public or private")
	ErrPublicRoomMembers  = apperr.Validation("public rooms are open; initial members are not accepted")
	ErrDirectWithSelf     = apperr.Validation("cannot start a direct chat with yourself")
	ErrInvalidUser        = apperr.Validation("invalid user id")
)

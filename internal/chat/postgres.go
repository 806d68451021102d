package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// PostgresRepository stores rooms, memberships and messages in PostgreSQL
// through the pgx database/sql driver.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const roomColumns = `r.id, r.kind, r.name, r.description, r.image, r.created_by, r.created_at,
	r.last_message_id, r.last_message_author, r.last_message_body, r.last_message_at`

const messageColumns = `id, room_id, author_id, body, attachments, reply_to_id, is_edited,
	created_at, edited_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner, extra ...any) (*Room, error) {
	var (
		room       Room
		lastID     sql.NullInt64
		lastAuthor sql.NullInt64
		lastBody   sql.NullString
		lastAt     sql.NullTime
	)
	dest := []any{
		&room.ID, &room.Kind, &room.Name, &room.Description, &room.Image, &room.CreatedBy, &room.CreatedAt,
		&lastID, &lastAuthor, &lastBody, &lastAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if lastID.Valid {
		room.LastMessage = &MessageSummary{
			ID:        lastID.Int64,
			AuthorID:  lastAuthor.Int64,
			Body:      lastBody.String,
			CreatedAt: lastAt.Time,
		}
	}
	return &room, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		attachments []byte
		replyTo     sql.NullInt64
		editedAt    sql.NullTime
		deletedAt   sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Body, &attachments, &replyTo, &msg.IsEdited,
		&msg.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	msg.Attachments = []Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, errors.Wrap(err, "decode attachments")
		}
	}
	if replyTo.Valid {
		id := replyTo.Int64
		msg.ReplyToID = &id
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	return &msg, nil
}

// memberError maps a foreign key violation on room_members, a reference to
// a user that does not exist, onto ErrInvalidUser.
func memberError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrInvalidUser
	}
	return errors.Wrap(err, msg)
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (r *PostgresRepository) CreateRoom(ctx context.Context, room *Room, memberIDs []int64) (*Room, error) {
	out := *room
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO rooms (kind, name, description, image, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			room.Kind, room.Name, room.Description, room.Image, room.CreatedBy, room.CreatedAt,
		).Scan(&out.ID)
		if err != nil {
			return errors.Wrap(err, "insert room")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id, joined_at)
			SELECT $1, unnest($2::bigint[]), $3
			ON CONFLICT DO NOTHING`,
			out.ID, memberIDs, room.CreatedAt,
		)
		if err != nil {
			return memberError(err, "insert room members")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PostgresRepository) CreateDirectRoom(ctx context.Context, a, b int64, at time.Time) (*Room, bool, error) {
	key := directKey(a, b)

	var (
		roomID  int64
		created bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		// The unique direct_key makes concurrent creators wait on each other;
		// the loser inserts nothing and reads the winner's row below.
		err := tx.QueryRowContext(ctx, `
			INSERT INTO rooms (kind, name, created_by, direct_key, created_at)
			VALUES ('direct', $1, $2, $1, $3)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING id`,
			key, a, at,
		).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "insert direct room")
		}
		created = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id, joined_at)
			VALUES ($1, $2, $4), ($1, $3, $4)`,
			roomID, a, b, at,
		)
		if err != nil {
			return memberError(err, "insert direct members")
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	room, err := scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.direct_key = $1`, key))
	if err != nil {
		return nil, false, errors.Wrap(err, "load direct room")
	}
	return room, created, nil
}

func (r *PostgresRepository) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get room")
	}
	return room, nil
}

func (r *PostgresRepository) ListRoomsForUser(ctx context.Context, userID int64) ([]RoomListing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roomColumns+`, m.unread_count
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id DESC`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer rows.Close()

	var rooms []RoomListing
	for rows.Next() {
		var unread int
		room, err := scanRoom(rows, &unread)
		if err != nil {
			return nil, errors.Wrap(err, "scan room")
		}
		rooms = append(rooms, RoomListing{Room: *room, UnreadCount: unread})
	}
	return rooms, errors.Wrap(rows.Err(), "list rooms")
}

func (r *PostgresRepository) roomExists(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, roomID int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	return errors.Wrap(err, "check room")
}

func (r *PostgresRepository) AddMembers(ctx context.Context, roomID int64, userIDs []int64, at time.Time) ([]int64, error) {
	var added []int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.roomExists(ctx, tx, roomID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			INSERT INTO room_members (room_id, user_id, joined_at)
			SELECT $1, unnest($2::bigint[]), $3
			ON CONFLICT DO NOTHING
			RETURNING user_id`,
			roomID, userIDs, at,
		)
		if err != nil {
			return memberError(err, "add members")
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return errors.Wrap(err, "scan member")
			}
			added = append(added, id)
		}
		if err := rows.Err(); err != nil {
			return memberError(err, "add members")
		}
		return nil
	})
	return added, err
}

func (r *PostgresRepository) RemoveMember(ctx context.Context, roomID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return errors.Wrap(err, "remove member")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := r.roomExists(ctx, r.db, roomID); err != nil {
			return err
		}
		return ErrNotMember
	}
	return nil
}

func (r *PostgresRepository) GetMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	m := &Member{}
	err := r.db.QueryRowContext(ctx, `
		SELECT room_id, user_id, unread_count, joined_at
		FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&m.RoomID, &m.UserID, &m.UnreadCount, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.roomExists(ctx, r.db, roomID); err != nil {
			return nil, err
		}
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, errors.Wrap(err, "get member")
	}
	return m, nil
}

func (r *PostgresRepository) ListMembers(ctx context.Context, roomID int64) ([]Member, error) {
	if err := r.roomExists(ctx, r.db, roomID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, user_id, unread_count, joined_at
		FROM room_members WHERE room_id = $1 ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.UnreadCount, &m.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		members = append(members, m)
	}
	return members, errors.Wrap(rows.Err(), "list members")
}

func (r *PostgresRepository) ResetUnread(ctx context.Context, roomID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE room_members SET unread_count = 0 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return errors.Wrap(err, "reset unread")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return nil, errors.Wrap(err, "encode attachments")
	}
	out := *msg

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		// The room row lock serialises appends per room, so ids drawn from the
		// sequence below are committed in increasing order within the room.
		var locked int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, msg.RoomID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRoomNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock room")
		}

		var one int
		err = tx.QueryRowContext(ctx, `
			SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2`,
			msg.RoomID, msg.AuthorID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotMember
		}
		if err != nil {
			return errors.Wrap(err, "check membership")
		}

		if msg.ReplyToID != nil {
			var replyRoom int64
			err = tx.QueryRowContext(ctx, `SELECT room_id FROM messages WHERE id = $1`, *msg.ReplyToID).Scan(&replyRoom)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && replyRoom != msg.RoomID) {
				return ErrInvalidReply
			}
			if err != nil {
				return errors.Wrap(err, "check reply target")
			}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO messages (room_id, author_id, body, attachments, reply_to_id, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)
			RETURNING id`,
			msg.RoomID, msg.AuthorID, msg.Body, string(attachments), msg.ReplyToID, msg.CreatedAt,
		).Scan(&out.ID)
		if err != nil {
			return errors.Wrap(err, "insert message")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE room_members SET unread_count = unread_count + 1
			WHERE room_id = $1 AND user_id <> $2`,
			msg.RoomID, msg.AuthorID,
		)
		if err != nil {
			return errors.Wrap(err, "increment unread")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE rooms
			SET last_message_id = $2, last_message_author = $3, last_message_body = $4, last_message_at = $5
			WHERE id = $1`,
			msg.RoomID, out.ID, msg.AuthorID, msg.Body, msg.CreatedAt,
		)
		return errors.Wrap(err, "update last message")
	})
	if err != nil {
		return nil, err
	}
	out.ClientID = ""
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	return &out, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return msg, nil
}

func (r *PostgresRepository) GetMessages(ctx context.Context, ids []int64) (map[int64]*Message, error) {
	out := make(map[int64]*Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out[msg.ID] = msg
	}
	return out, errors.Wrap(rows.Err(), "get messages")
}

func (r *PostgresRepository) UpdateMessageBody(ctx context.Context, messageID int64, body string, at time.Time) (*Message, error) {
	var msg *Message
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = scanMessage(tx.QueryRowContext(ctx, `
			UPDATE messages SET body = $2, is_edited = TRUE, edited_at = $3
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING `+messageColumns,
			messageID, body, at,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return errors.Wrap(err, "update message")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rooms SET last_message_body = $2 WHERE id = $3 AND last_message_id = $1`,
			messageID, body, msg.RoomID,
		)
		return errors.Wrap(err, "update last message")
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *PostgresRepository) TombstoneMessage(ctx context.Context, messageID int64, at time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var roomID int64
		err := tx.QueryRowContext(ctx, `
			UPDATE messages SET deleted_at = $2
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING room_id`,
			messageID, at,
		).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return errors.Wrap(err, "tombstone message")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE rooms r
			SET (last_message_id, last_message_author, last_message_body, last_message_at) = (
				SELECT m.id, m.author_id, m.body, m.created_at
				FROM messages m
				WHERE m.room_id = r.id AND m.deleted_at IS NULL
				ORDER BY m.id DESC
				LIMIT 1
			)
			WHERE r.id = $1 AND r.last_message_id = $2`,
			roomID, messageID,
		)
		return errors.Wrap(err, "refresh last message")
	})
}

func (r *PostgresRepository) ListMessages(ctx context.Context, roomID, beforeID int64, offset, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = $1 AND deleted_at IS NULL AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3 OFFSET $4`,
		roomID, beforeID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, *msg)
	}
	return messages, errors.Wrap(rows.Err(), "list messages")
}

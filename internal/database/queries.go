package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	membershipColumns = "m.id, m.room_id, m.user_id, a.username, m.status, m.last_read_message_id, m.joined_at"
	messageColumns    = "m.id, m.room_id, m.sender_id, COALESCE(a.username, ''), m.content, m.unread_count, " +
		"m.type, m.edited, m.deleted, m.file_id, m.created_at"
)

type pgQueries struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (Membership, error) {
	var (
		m        Membership
		lastRead sql.NullInt64
	)
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Username,
		&m.Status,
		&lastRead,
		&m.JoinedAt,
	)
	if lastRead.Valid {
		m.LastReadMessageId = &lastRead.Int64
	}

	return m, err
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg      Message
		senderId sql.NullInt64
		fileId   sql.NullInt64
	)
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&senderId,
		&msg.SenderName,
		&msg.Content,
		&msg.UnreadCount,
		&msg.Type,
		&msg.Edited,
		&msg.Deleted,
		&fileId,
		&msg.CreatedAt,
	)
	if senderId.Valid {
		msg.SenderId = &senderId.Int64
	}
	if fileId.Valid {
		msg.FileId = &fileId.Int64
	}

	return msg, err
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (db pgQueries) LockRoom(ctx context.Context, roomId int64, lock RowLock) (Room, error) {
	clause := "FOR SHARE"
	if lock == LockUpdate {
		clause = "FOR UPDATE"
	}

	row := db.q.QueryRowContext(ctx,
		"SELECT id, type, created_at FROM chat_rooms WHERE id = $1 "+clause,
		roomId,
	)

	var room Room
	err := row.Scan(&room.Id, &room.Type, &room.CreatedAt)

	return room, err
}

func (db pgQueries) CreateRoom(ctx context.Context, roomType RoomType, createdAt time.Time) (Room, error) {
	row := db.q.QueryRowContext(ctx,
		"INSERT INTO chat_rooms (type, created_at) VALUES ($1, $2) RETURNING id, type, created_at",
		roomType,
		createdAt,
	)

	var room Room
	err := row.Scan(&room.Id, &room.Type, &room.CreatedAt)

	return room, err
}

func (db pgQueries) GetUser(ctx context.Context, userId int64) (User, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM accounts WHERE id = $1 LIMIT 1",
		userId,
	)

	var user User
	err := row.Scan(&user.Id, &user.Username, &user.CreatedAt)

	return user, err
}

func (db pgQueries) queryMemberships(ctx context.Context, query string, args ...any) ([]Membership, error) {
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func (db pgQueries) FindActiveMembers(ctx context.Context, roomId int64) ([]Membership, error) {
	return db.queryMemberships(ctx,
		"SELECT "+membershipColumns+" FROM room_members m "+
			"JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.status = $2 ORDER BY m.id",
		roomId,
		MembershipActive,
	)
}

func (db pgQueries) FindMembership(ctx context.Context, roomId, userId int64) (Membership, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM room_members m "+
			"JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.user_id = $2 FOR UPDATE OF m",
		roomId,
		userId,
	)

	return scanMembership(row)
}

func (db pgQueries) ListMembershipsByUser(ctx context.Context, userId int64) ([]Membership, error) {
	return db.queryMemberships(ctx,
		"SELECT "+membershipColumns+" FROM room_members m "+
			"JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.user_id = $1 AND m.status = $2 ORDER BY m.room_id",
		userId,
		MembershipActive,
	)
}

func (db pgQueries) CreateMembership(ctx context.Context, roomId, userId int64, joinedAt time.Time) (Membership, error) {
	row := db.q.QueryRowContext(ctx,
		"WITH m AS ("+
			"INSERT INTO room_members (room_id, user_id, status, joined_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, room_id, user_id, status, last_read_message_id, joined_at"+
			") SELECT "+membershipColumns+" FROM m JOIN accounts a ON a.id = m.user_id",
		roomId,
		userId,
		MembershipActive,
		joinedAt,
	)

	return scanMembership(row)
}

func (db pgQueries) RejoinMembership(ctx context.Context, membershipId int64, joinedAt time.Time) error {
	_, err := db.q.ExecContext(ctx,
		"UPDATE room_members SET status = $2, last_read_message_id = NULL, joined_at = $3 WHERE id = $1",
		membershipId,
		MembershipActive,
		joinedAt,
	)

	return err
}

func (db pgQueries) LeaveMembership(ctx context.Context, membershipId int64) error {
	_, err := db.q.ExecContext(ctx,
		"UPDATE room_members SET status = $2 WHERE id = $1",
		membershipId,
		MembershipLeft,
	)

	return err
}

func (db pgQueries) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.q.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, sender_id, content, unread_count, type, file_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at",
		params.RoomId,
		nullInt64(params.SenderId),
		params.Content,
		params.UnreadCount,
		params.Type,
		nullInt64(params.FileId),
		params.CreatedAt,
	)

	msg := Message{
		RoomId:      params.RoomId,
		SenderId:    params.SenderId,
		Content:     params.Content,
		UnreadCount: params.UnreadCount,
		Type:        params.Type,
		FileId:      params.FileId,
	}
	err := row.Scan(&msg.Id, &msg.CreatedAt)

	return msg, err
}

func (db pgQueries) GetMessage(ctx context.Context, messageId int64) (Message, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.id = $1 FOR UPDATE OF m",
		messageId,
	)

	return scanMessage(row)
}

func (db pgQueries) UpdateMessageContent(ctx context.Context, messageId int64, content string) error {
	_, err := db.q.ExecContext(ctx,
		"UPDATE messages SET content = $2, edited = TRUE WHERE id = $1",
		messageId,
		content,
	)

	return err
}

func (db pgQueries) MarkMessageDeleted(ctx context.Context, messageId int64) error {
	_, err := db.q.ExecContext(ctx, "UPDATE messages SET deleted = TRUE WHERE id = $1", messageId)

	return err
}

func (db pgQueries) MaxMessageId(ctx context.Context, roomId int64) (int64, bool, error) {
	row := db.q.QueryRowContext(ctx, "SELECT MAX(id) FROM messages WHERE room_id = $1", roomId)

	var id sql.NullInt64
	if err := row.Scan(&id); err != nil {
		return 0, false, err
	}

	return id.Int64, id.Valid, nil
}

// DecrementUnreadInRange leaves the reader's own messages alone since
// the sender is not part of a message's initial unread_count.
func (db pgQueries) DecrementUnreadInRange(ctx context.Context, roomId, afterId, upToId, readerId int64) (int64, error) {
	res, err := db.q.ExecContext(ctx,
		"UPDATE messages SET unread_count = unread_count - 1 "+
			"WHERE room_id = $1 AND id > $2 AND id <= $3 AND unread_count > 0 "+
			"AND (sender_id IS NULL OR sender_id <> $4)",
		roomId,
		afterId,
		upToId,
		readerId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db pgQueries) UpdateLastRead(ctx context.Context, membershipId, messageId int64) (bool, error) {
	res, err := db.q.ExecContext(ctx,
		"UPDATE room_members SET last_read_message_id = $2 "+
			"WHERE id = $1 AND (last_read_message_id IS NULL OR last_read_message_id < $2)",
		membershipId,
		messageId,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (db pgQueries) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db pgQueries) ListMessagesAfter(ctx context.Context, roomId, afterId int64) ([]Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.room_id = $1 AND m.id > $2 ORDER BY m.id ASC",
		roomId,
		afterId,
	)
}

func (db pgQueries) ListMessagesSince(ctx context.Context, roomId int64, since time.Time, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.room_id = $1 AND m.created_at >= $2 ORDER BY m.id DESC LIMIT $3 OFFSET $4",
		roomId,
		since,
		limit,
		offset,
	)
}

func (db pgQueries) CountUnread(ctx context.Context, roomId, afterId, readerId int64) (int, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND id > $2 "+
			"AND (sender_id IS NULL OR sender_id <> $3)",
		roomId,
		afterId,
		readerId,
	)

	var n int
	err := row.Scan(&n)

	return n, err
}

func (db pgQueries) GetFile(ctx context.Context, fileId int64) (File, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT id, uploader_id, original_filename, COALESCE(stored_path, ''), content_type, file_size, created_at "+
			"FROM file_attachments WHERE id = $1",
		fileId,
	)

	var f File
	err := row.Scan(
		&f.Id,
		&f.UploaderId,
		&f.OriginalFilename,
		&f.StoredPath,
		&f.ContentType,
		&f.FileSize,
		&f.CreatedAt,
	)

	return f, err
}

func (db pgQueries) FriendshipExists(ctx context.Context, userId, friendId int64) (bool, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM friendships "+
			"WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1))",
		userId,
		friendId,
	)

	var exists bool
	err := row.Scan(&exists)

	return exists, err
}

func (db pgQueries) FriendIds(ctx context.Context, userId int64) ([]int64, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT CASE WHEN user_id = $1 THEN friend_id ELSE user_id END "+
			"FROM friendships WHERE user_id = $1 OR friend_id = $1",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

package database

import (
	"context"
	"time"
)

// Queries is the set of storage operations available both on the
// repository itself and inside a transaction.
type Queries interface {
	LockRoom(ctx context.Context, roomId int64, lock RowLock) (Room, error)
	CreateRoom(ctx context.Context, roomType RoomType, createdAt time.Time) (Room, error)
	GetUser(ctx context.Context, userId int64) (User, error)

	FindActiveMembers(ctx context.Context, roomId int64) ([]Membership, error)
	// FindMembership locks the membership row for the rest of the
	// enclosing transaction.
	FindMembership(ctx context.Context, roomId, userId int64) (Membership, error)
	ListMembershipsByUser(ctx context.Context, userId int64) ([]Membership, error)
	CreateMembership(ctx context.Context, roomId, userId int64, joinedAt time.Time) (Membership, error)
	RejoinMembership(ctx context.Context, membershipId int64, joinedAt time.Time) error
	LeaveMembership(ctx context.Context, membershipId int64) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, messageId int64) (Message, error)
	UpdateMessageContent(ctx context.Context, messageId int64, content string) error
	MarkMessageDeleted(ctx context.Context, messageId int64) error
	MaxMessageId(ctx context.Context, roomId int64) (int64, bool, error)
	// DecrementUnreadInRange decrements unread_count by one for every
	// message in (afterId, upToId] not sent by readerId whose count is
	// still positive. It returns the number of rows changed.
	//
	// The reader's own messages are skipped on purpose. unread_count
	// starts at the number of other active members, so the sender was
	// never counted and decrementing on their read would undercount
	// everyone else.
	DecrementUnreadInRange(ctx context.Context, roomId, afterId, upToId, readerId int64) (int64, error)
	// UpdateLastRead only moves the watermark forward. It reports whether
	// the row changed.
	UpdateLastRead(ctx context.Context, membershipId, messageId int64) (bool, error)
	ListMessagesAfter(ctx context.Context, roomId, afterId int64) ([]Message, error)
	ListMessagesSince(ctx context.Context, roomId int64, since time.Time, limit, offset int) ([]Message, error)
	CountUnread(ctx context.Context, roomId, afterId, readerId int64) (int, error)

	GetFile(ctx context.Context, fileId int64) (File, error)

	FriendshipExists(ctx context.Context, userId, friendId int64) (bool, error)
	FriendIds(ctx context.Context, userId int64) ([]int64, error)
}

type ChatRepository interface {
	Queries
	// WithTx runs fn inside a single transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

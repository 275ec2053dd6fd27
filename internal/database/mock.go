package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

// WithTx records the call and then runs fn against the mock itself.
func (m *MockChatRepository) WithTx(ctx context.Context, fn func(q Queries) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}
func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) LockRoom(ctx context.Context, roomId int64, lock RowLock) (Room, error) {
	args := m.Called(ctx, roomId, lock)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, roomType RoomType, createdAt time.Time) (Room, error) {
	args := m.Called(ctx, roomType, createdAt)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetUser(ctx context.Context, userId int64) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) FindActiveMembers(ctx context.Context, roomId int64) ([]Membership, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockChatRepository) FindMembership(ctx context.Context, roomId, userId int64) (Membership, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) ListMembershipsByUser(ctx context.Context, userId int64) ([]Membership, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockChatRepository) CreateMembership(ctx context.Context, roomId, userId int64, joinedAt time.Time) (Membership, error) {
	args := m.Called(ctx, roomId, userId, joinedAt)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) RejoinMembership(ctx context.Context, membershipId int64, joinedAt time.Time) error {
	args := m.Called(ctx, membershipId, joinedAt)
	return args.Error(0)
}
func (m *MockChatRepository) LeaveMembership(ctx context.Context, membershipId int64) error {
	args := m.Called(ctx, membershipId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId int64) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageContent(ctx context.Context, messageId int64, content string) error {
	args := m.Called(ctx, messageId, content)
	return args.Error(0)
}
func (m *MockChatRepository) MarkMessageDeleted(ctx context.Context, messageId int64) error {
	args := m.Called(ctx, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) MaxMessageId(ctx context.Context, roomId int64) (int64, bool, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) DecrementUnreadInRange(ctx context.Context, roomId, afterId, upToId, readerId int64) (int64, error) {
	args := m.Called(ctx, roomId, afterId, upToId, readerId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) UpdateLastRead(ctx context.Context, membershipId, messageId int64) (bool, error) {
	args := m.Called(ctx, membershipId, messageId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) ListMessagesAfter(ctx context.Context, roomId, afterId int64) ([]Message, error) {
	args := m.Called(ctx, roomId, afterId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) ListMessagesSince(ctx context.Context, roomId int64, since time.Time, limit, offset int) ([]Message, error) {
	args := m.Called(ctx, roomId, since, limit, offset)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) CountUnread(ctx context.Context, roomId, afterId, readerId int64) (int, error) {
	args := m.Called(ctx, roomId, afterId, readerId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) GetFile(ctx context.Context, fileId int64) (File, error) {
	args := m.Called(ctx, fileId)
	return args.Get(0).(File), args.Error(1)
}
func (m *MockChatRepository) FriendshipExists(ctx context.Context, userId, friendId int64) (bool, error) {
	args := m.Called(ctx, userId, friendId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) FriendIds(ctx context.Context, userId int64) ([]int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]int64), args.Error(1)
}

package readstate

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/database"
)

// memStore is an in-memory database.ChatRepository. Transactions are
// serialized and a failed transaction restores the previous state.
type memStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	users       map[int64]database.User
	rooms       map[int64]database.Room
	memberships []database.Membership
	messages    []database.Message
	files       map[int64]database.File
	friends     map[[2]int64]bool
	nextId      int64
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		users:   make(map[int64]database.User),
		rooms:   make(map[int64]database.Room),
		files:   make(map[int64]database.File),
		friends: make(map[[2]int64]bool),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:       make(map[int64]database.User, len(d.users)),
		rooms:       make(map[int64]database.Room, len(d.rooms)),
		memberships: make([]database.Membership, len(d.memberships)),
		messages:    make([]database.Message, len(d.messages)),
		files:       make(map[int64]database.File, len(d.files)),
		friends:     make(map[[2]int64]bool, len(d.friends)),
		nextId:      d.nextId,
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.rooms {
		c.rooms[k] = v
	}
	for k, v := range d.files {
		c.files[k] = v
	}
	for k, v := range d.friends {
		c.friends[k] = v
	}
	for i, m := range d.memberships {
		if m.LastReadMessageId != nil {
			v := *m.LastReadMessageId
			m.LastReadMessageId = &v
		}
		c.memberships[i] = m
	}
	copy(c.messages, d.messages)
	return c
}

func (d *memData) id() int64 {
	d.nextId++
	return d.nextId
}

// seed helpers, used outside transactions

func (s *memStore) addUser(username string) database.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := database.User{Id: s.data.id(), Username: username, CreatedAt: time.Now()}
	s.data.users[u.Id] = u
	return u
}

func (s *memStore) addRoom(members ...database.User) database.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := database.Room{Id: s.data.id(), Type: database.RoomGroup, CreatedAt: time.Now()}
	s.data.rooms[r.Id] = r
	for _, u := range members {
		s.data.memberships = append(s.data.memberships, database.Membership{
			Id:       s.data.id(),
			RoomId:   r.Id,
			UserId:   u.Id,
			Username: u.Username,
			Status:   database.MembershipActive,
			JoinedAt: time.Now().Add(-time.Minute),
		})
	}
	return r
}

func (s *memStore) addFriends(a, b database.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.friends[[2]int64{a.Id, b.Id}] = true
	s.data.friends[[2]int64{b.Id, a.Id}] = true
}

func (s *memStore) addFile(uploader database.User, name string) database.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := database.File{
		Id:               s.data.id(),
		UploaderId:       uploader.Id,
		OriginalFilename: name,
		StoredPath:       "/uploads/" + name,
		ContentType:      "image/png",
		FileSize:         1024,
	}
	s.data.files[f.Id] = f
	return f
}

func (s *memStore) message(id int64) database.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.data.messages {
		if m.Id == id {
			return m
		}
	}
	return database.Message{}
}

func (s *memStore) membership(roomId, userId int64) database.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := memTx{s.data}.findMembership(roomId, userId)
	return m
}

func (s *memStore) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.rooms)
}

func (s *memStore) setWatermark(roomId, userId, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.memberships {
		m := &s.data.memberships[i]
		if m.RoomId == roomId && m.UserId == userId {
			m.LastReadMessageId = &id
		}
	}
}

func (s *memStore) WithTx(ctx context.Context, fn func(q database.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(memTx{s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

// run executes a single query outside of WithTx.
func (s *memStore) run(fn func(q memTx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(memTx{s.data})
}

func (s *memStore) LockRoom(ctx context.Context, roomId int64, lock database.RowLock) (r database.Room, err error) {
	s.run(func(q memTx) { r, err = q.LockRoom(ctx, roomId, lock) })
	return
}
func (s *memStore) CreateRoom(ctx context.Context, roomType database.RoomType, createdAt time.Time) (r database.Room, err error) {
	s.run(func(q memTx) { r, err = q.CreateRoom(ctx, roomType, createdAt) })
	return
}
func (s *memStore) GetUser(ctx context.Context, userId int64) (u database.User, err error) {
	s.run(func(q memTx) { u, err = q.GetUser(ctx, userId) })
	return
}
func (s *memStore) FindActiveMembers(ctx context.Context, roomId int64) (ms []database.Membership, err error) {
	s.run(func(q memTx) { ms, err = q.FindActiveMembers(ctx, roomId) })
	return
}
func (s *memStore) FindMembership(ctx context.Context, roomId, userId int64) (m database.Membership, err error) {
	s.run(func(q memTx) { m, err = q.FindMembership(ctx, roomId, userId) })
	return
}
func (s *memStore) ListMembershipsByUser(ctx context.Context, userId int64) (ms []database.Membership, err error) {
	s.run(func(q memTx) { ms, err = q.ListMembershipsByUser(ctx, userId) })
	return
}
func (s *memStore) CreateMembership(ctx context.Context, roomId, userId int64, joinedAt time.Time) (m database.Membership, err error) {
	s.run(func(q memTx) { m, err = q.CreateMembership(ctx, roomId, userId, joinedAt) })
	return
}
func (s *memStore) RejoinMembership(ctx context.Context, membershipId int64, joinedAt time.Time) (err error) {
	s.run(func(q memTx) { err = q.RejoinMembership(ctx, membershipId, joinedAt) })
	return
}
func (s *memStore) LeaveMembership(ctx context.Context, membershipId int64) (err error) {
	s.run(func(q memTx) { err = q.LeaveMembership(ctx, membershipId) })
	return
}
func (s *memStore) CreateMessage(ctx context.Context, params database.CreateMessageParams) (m database.Message, err error) {
	s.run(func(q memTx) { m, err = q.CreateMessage(ctx, params) })
	return
}
func (s *memStore) GetMessage(ctx context.Context, messageId int64) (m database.Message, err error) {
	s.run(func(q memTx) { m, err = q.GetMessage(ctx, messageId) })
	return
}
func (s *memStore) UpdateMessageContent(ctx context.Context, messageId int64, content string) (err error) {
	s.run(func(q memTx) { err = q.UpdateMessageContent(ctx, messageId, content) })
	return
}
func (s *memStore) MarkMessageDeleted(ctx context.Context, messageId int64) (err error) {
	s.run(func(q memTx) { err = q.MarkMessageDeleted(ctx, messageId) })
	return
}
func (s *memStore) MaxMessageId(ctx context.Context, roomId int64) (id int64, ok bool, err error) {
	s.run(func(q memTx) { id, ok, err = q.MaxMessageId(ctx, roomId) })
	return
}
func (s *memStore) DecrementUnreadInRange(ctx context.Context, roomId, afterId, upToId, readerId int64) (n int64, err error) {
	s.run(func(q memTx) { n, err = q.DecrementUnreadInRange(ctx, roomId, afterId, upToId, readerId) })
	return
}
func (s *memStore) UpdateLastRead(ctx context.Context, membershipId, messageId int64) (ok bool, err error) {
	s.run(func(q memTx) { ok, err = q.UpdateLastRead(ctx, membershipId, messageId) })
	return
}
func (s *memStore) ListMessagesAfter(ctx context.Context, roomId, afterId int64) (ms []database.Message, err error) {
	s.run(func(q memTx) { ms, err = q.ListMessagesAfter(ctx, roomId, afterId) })
	return
}
func (s *memStore) ListMessagesSince(ctx context.Context, roomId int64, since time.Time, limit, offset int) (ms []database.Message, err error) {
	s.run(func(q memTx) { ms, err = q.ListMessagesSince(ctx, roomId, since, limit, offset) })
	return
}
func (s *memStore) CountUnread(ctx context.Context, roomId, afterId, readerId int64) (n int, err error) {
	s.run(func(q memTx) { n, err = q.CountUnread(ctx, roomId, afterId, readerId) })
	return
}
func (s *memStore) GetFile(ctx context.Context, fileId int64) (f database.File, err error) {
	s.run(func(q memTx) { f, err = q.GetFile(ctx, fileId) })
	return
}
func (s *memStore) FriendshipExists(ctx context.Context, userId, friendId int64) (ok bool, err error) {
	s.run(func(q memTx) { ok, err = q.FriendshipExists(ctx, userId, friendId) })
	return
}
func (s *memStore) FriendIds(ctx context.Context, userId int64) (ids []int64, err error) {
	s.run(func(q memTx) { ids, err = q.FriendIds(ctx, userId) })
	return
}

// memTx implements database.Queries over the store's data. The caller
// holds the store lock.
type memTx struct {
	d *memData
}

func (q memTx) LockRoom(ctx context.Context, roomId int64, lock database.RowLock) (database.Room, error) {
	r, ok := q.d.rooms[roomId]
	if !ok {
		return database.Room{}, sql.ErrNoRows
	}
	return r, nil
}

func (q memTx) CreateRoom(ctx context.Context, roomType database.RoomType, createdAt time.Time) (database.Room, error) {
	r := database.Room{Id: q.d.id(), Type: roomType, CreatedAt: createdAt}
	q.d.rooms[r.Id] = r
	return r, nil
}

func (q memTx) GetUser(ctx context.Context, userId int64) (database.User, error) {
	u, ok := q.d.users[userId]
	if !ok {
		return database.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (q memTx) FindActiveMembers(ctx context.Context, roomId int64) ([]database.Membership, error) {
	var ms []database.Membership
	for _, m := range q.d.memberships {
		if m.RoomId == roomId && m.IsActive() {
			ms = append(ms, m)
		}
	}
	return ms, nil
}

func (q memTx) findMembership(roomId, userId int64) (database.Membership, bool) {
	for _, m := range q.d.memberships {
		if m.RoomId == roomId && m.UserId == userId {
			return m, true
		}
	}
	return database.Membership{}, false
}

func (q memTx) FindMembership(ctx context.Context, roomId, userId int64) (database.Membership, error) {
	m, ok := q.findMembership(roomId, userId)
	if !ok {
		return database.Membership{}, sql.ErrNoRows
	}
	return m, nil
}

func (q memTx) ListMembershipsByUser(ctx context.Context, userId int64) ([]database.Membership, error) {
	var ms []database.Membership
	for _, m := range q.d.memberships {
		if m.UserId == userId && m.IsActive() {
			ms = append(ms, m)
		}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].RoomId < ms[j].RoomId })
	return ms, nil
}

func (q memTx) CreateMembership(ctx context.Context, roomId, userId int64, joinedAt time.Time) (database.Membership, error) {
	m := database.Membership{
		Id:       q.d.id(),
		RoomId:   roomId,
		UserId:   userId,
		Username: q.d.users[userId].Username,
		Status:   database.MembershipActive,
		JoinedAt: joinedAt,
	}
	q.d.memberships = append(q.d.memberships, m)
	return m, nil
}

func (q memTx) membershipById(id int64) *database.Membership {
	for i := range q.d.memberships {
		if q.d.memberships[i].Id == id {
			return &q.d.memberships[i]
		}
	}
	return nil
}

func (q memTx) RejoinMembership(ctx context.Context, membershipId int64, joinedAt time.Time) error {
	m := q.membershipById(membershipId)
	if m == nil {
		return sql.ErrNoRows
	}
	m.Status = database.MembershipActive
	m.LastReadMessageId = nil
	m.JoinedAt = joinedAt
	return nil
}

func (q memTx) LeaveMembership(ctx context.Context, membershipId int64) error {
	m := q.membershipById(membershipId)
	if m == nil {
		return sql.ErrNoRows
	}
	m.Status = database.MembershipLeft
	return nil
}

func (q memTx) CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	msg := database.Message{
		Id:          q.d.id(),
		RoomId:      params.RoomId,
		SenderId:    params.SenderId,
		Content:     params.Content,
		UnreadCount: params.UnreadCount,
		Type:        params.Type,
		FileId:      params.FileId,
		CreatedAt:   params.CreatedAt,
	}
	if params.SenderId != nil {
		msg.SenderName = q.d.users[*params.SenderId].Username
	}
	q.d.messages = append(q.d.messages, msg)
	return msg, nil
}

func (q memTx) messageById(id int64) *database.Message {
	for i := range q.d.messages {
		if q.d.messages[i].Id == id {
			return &q.d.messages[i]
		}
	}
	return nil
}

func (q memTx) GetMessage(ctx context.Context, messageId int64) (database.Message, error) {
	m := q.messageById(messageId)
	if m == nil {
		return database.Message{}, sql.ErrNoRows
	}
	return *m, nil
}

func (q memTx) UpdateMessageContent(ctx context.Context, messageId int64, content string) error {
	m := q.messageById(messageId)
	if m == nil {
		return sql.ErrNoRows
	}
	m.Content = content
	m.Edited = true
	return nil
}

func (q memTx) MarkMessageDeleted(ctx context.Context, messageId int64) error {
	m := q.messageById(messageId)
	if m == nil {
		return sql.ErrNoRows
	}
	m.Deleted = true
	return nil
}

func (q memTx) MaxMessageId(ctx context.Context, roomId int64) (int64, bool, error) {
	var latest int64
	var found bool
	for _, m := range q.d.messages {
		if m.RoomId == roomId && m.Id > latest {
			latest, found = m.Id, true
		}
	}
	return latest, found, nil
}

func (q memTx) DecrementUnreadInRange(ctx context.Context, roomId, afterId, upToId, readerId int64) (int64, error) {
	var n int64
	for i := range q.d.messages {
		m := &q.d.messages[i]
		if m.RoomId != roomId || m.Id <= afterId || m.Id > upToId || m.UnreadCount <= 0 {
			continue
		}
		if m.SenderId != nil && *m.SenderId == readerId {
			continue
		}
		m.UnreadCount--
		n++
	}
	return n, nil
}

func (q memTx) UpdateLastRead(ctx context.Context, membershipId, messageId int64) (bool, error) {
	m := q.membershipById(membershipId)
	if m == nil {
		return false, sql.ErrNoRows
	}
	if m.LastReadMessageId != nil && *m.LastReadMessageId >= messageId {
		return false, nil
	}
	id := messageId
	m.LastReadMessageId = &id
	return true, nil
}

func (q memTx) ListMessagesAfter(ctx context.Context, roomId, afterId int64) ([]database.Message, error) {
	var ms []database.Message
	for _, m := range q.d.messages {
		if m.RoomId == roomId && m.Id > afterId {
			ms = append(ms, m)
		}
	}
	return ms, nil
}

func (q memTx) ListMessagesSince(ctx context.Context, roomId int64, since time.Time, limit, offset int) ([]database.Message, error) {
	var ms []database.Message
	for i := len(q.d.messages) - 1; i >= 0; i-- {
		m := q.d.messages[i]
		if m.RoomId == roomId && !m.CreatedAt.Before(since) {
			ms = append(ms, m)
		}
	}
	if offset >= len(ms) {
		return nil, nil
	}
	ms = ms[offset:]
	if len(ms) > limit {
		ms = ms[:limit]
	}
	return ms, nil
}

func (q memTx) CountUnread(ctx context.Context, roomId, afterId, readerId int64) (int, error) {
	var n int
	for _, m := range q.d.messages {
		if m.RoomId == roomId && m.Id > afterId && (m.SenderId == nil || *m.SenderId != readerId) {
			n++
		}
	}
	return n, nil
}

func (q memTx) GetFile(ctx context.Context, fileId int64) (database.File, error) {
	f, ok := q.d.files[fileId]
	if !ok {
		return database.File{}, sql.ErrNoRows
	}
	return f, nil
}

func (q memTx) FriendshipExists(ctx context.Context, userId, friendId int64) (bool, error) {
	return q.d.friends[[2]int64{userId, friendId}], nil
}

func (q memTx) FriendIds(ctx context.Context, userId int64) ([]int64, error) {
	var ids []int64
	for k := range q.d.friends {
		if k[0] == userId {
			ids = append(ids, k[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

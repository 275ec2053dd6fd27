package database

import "time"

type MembershipStatus string

const (
	MembershipActive MembershipStatus = "ACTIVE"
	MembershipLeft   MembershipStatus = "LEFT"
)

type MessageType string

const (
	MessageChat   MessageType = "CHAT"
	MessageSystem MessageType = "SYSTEM"
	MessageFile   MessageType = "FILE"
)

type RoomType string

const (
	RoomDirect RoomType = "DIRECT"
	RoomGroup  RoomType = "GROUP"
)

// RowLock selects the row lock taken by LockRoom.
type RowLock int

const (
	LockShare RowLock = iota
	LockUpdate
)

type User struct {
	Id        int64
	Username  string
	CreatedAt time.Time
}

type Room struct {
	Id        int64
	Type      RoomType
	CreatedAt time.Time
}

type Membership struct {
	Id       int64
	RoomId   int64
	UserId   int64
	Username string
	Status   MembershipStatus
	// LastReadMessageId is nil until the member marks the room read
	// for the first time after joining.
	LastReadMessageId *int64
	JoinedAt          time.Time
}

// LastReadOrZero returns the watermark, treating an unset one as 0.
func (m Membership) LastReadOrZero() int64 {
	if m.LastReadMessageId == nil {
		return 0
	}
	return *m.LastReadMessageId
}

func (m Membership) IsActive() bool {
	return m.Status == MembershipActive
}

type Message struct {
	Id          int64
	RoomId      int64
	SenderId    *int64
	SenderName  string
	Content     string
	UnreadCount int
	Type        MessageType
	Edited      bool
	Deleted     bool
	FileId      *int64
	CreatedAt   time.Time
}

type File struct {
	Id               int64
	UploaderId       int64
	OriginalFilename string
	StoredPath       string
	ContentType      string
	FileSize         int64
	CreatedAt        time.Time
}

type CreateMessageParams struct {
	RoomId      int64
	SenderId    *int64
	Content     string
	Type        MessageType
	UnreadCount int
	FileId      *int64
	CreatedAt   time.Time
}

package readstate

import (
	"time"

	"github.com/npezzotti/go-chatfleet/internal/database"
)

type SendResult struct {
	Message database.Message
	Sender  database.User
	// File is set for FILE messages.
	File *database.File
	// Members is the ACTIVE membership at creation time.
	Members []database.Membership
}

type ReadOutcome int

const (
	ReadApplied ReadOutcome = iota
	// NothingToRead means the room is empty or the watermark is already
	// at the latest message.
	NothingToRead
	// ReadInconsistent means the stored watermark is ahead of the latest
	// message. Nothing was written.
	ReadInconsistent
)

func (o ReadOutcome) String() string {
	switch o {
	case ReadApplied:
		return "applied"
	case NothingToRead:
		return "nothing_to_read"
	case ReadInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

type ReadResult struct {
	Outcome           ReadOutcome
	RoomId            int64
	ReaderId          int64
	LastReadMessageId int64
	// Decremented is the number of messages whose unread count dropped.
	Decremented int64
	Members     []database.Membership
}

func (r ReadResult) Applied() bool {
	return r.Outcome == ReadApplied
}

type EditResult struct {
	Message database.Message
	Members []database.Membership
}

type InviteResult struct {
	RoomId         int64
	InvitedUserIds []int64
	Members        []database.Membership
	// SystemMessage is nil when nobody new was added.
	SystemMessage *database.Message
}

type LeaveResult struct {
	RoomId    int64
	UserId    int64
	Username  string
	Remaining []database.Membership
	// SystemMessage is nil when the room is now empty.
	SystemMessage *database.Message
}

type UndeliveredMessages struct {
	RoomId   int64
	Messages []database.Message
}

type RoomSummary struct {
	RoomId      int64             `json:"id"`
	Type        database.RoomType `json:"type"`
	Members     []string          `json:"members"`
	UnreadCount int               `json:"unread_count"`
	CreatedAt   time.Time         `json:"created_at"`
}

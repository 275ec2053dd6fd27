package server

import (
	"encoding/json"
	"errors"

	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/readstate"
)

// inbound frame types
const (
	TypeMessageSend   = "message.send"
	TypeMessageRead   = "message.read"
	TypeMessageUpdate = "message.update"
	TypeMessageDelete = "message.delete"
	TypeRoomInvite    = "room.invite"
	TypeRoomLeave     = "room.leave"
	TypeHeartbeat     = "heartbeat"
)

// outbound frame types
const (
	TypeMessageReceived = "message.received"
	TypeMessagesRead    = "messages.read"
	TypeMessageUpdated  = "message.updated"
	TypeUserStatus      = "user.status"
	TypeError           = "error"
)

// error frame codes
const (
	CodeNotAMember     = "not_a_member"
	CodeNotOwner       = "not_owner"
	CodeAlreadyDeleted = "already_deleted"
	CodeNotFound       = "not_found"
	CodeNotFriend      = "not_friend"
	CodeSelfInvite     = "self_invite"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

var errBadRequest = errors.New("invalid message format")

type ClientFrame struct {
	Type       string  `json:"type"`
	RequestId  string  `json:"requestId,omitempty"`
	ChatRoomId int64   `json:"chatRoomId,omitempty"`
	Content    string  `json:"content,omitempty"`
	MessageId  int64   `json:"messageId,omitempty"`
	UserIds    []int64 `json:"userIds,omitempty"`
	FileId     int64   `json:"fileId,omitempty"`
}

type ServerFrame struct {
	Type       string `json:"type"`
	RequestId  string `json:"requestId,omitempty"`
	Code       string `json:"code,omitempty"`
	ChatRoomId int64  `json:"chatRoomId,omitempty"`
	// SenderId is the reader for messages.read frames.
	SenderId   int64  `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content,omitempty"`
	// MessageId is the new watermark for messages.read frames.
	MessageId        int64   `json:"messageId,omitempty"`
	UnreadCount      *int    `json:"unreadCount,omitempty"`
	Online           *bool   `json:"online,omitempty"`
	UserIds          []int64 `json:"userIds,omitempty"`
	Edited           bool    `json:"edited,omitempty"`
	Deleted          bool    `json:"deleted,omitempty"`
	FileId           int64   `json:"fileId,omitempty"`
	OriginalFilename string  `json:"originalFilename,omitempty"`
	ContentType      string  `json:"contentType,omitempty"`
	FileSize         int64   `json:"fileSize,omitempty"`
}

func serializeFrame(f *ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}

func MessageReceived(msg database.Message) *ServerFrame {
	unread := msg.UnreadCount
	f := &ServerFrame{
		Type:        TypeMessageReceived,
		ChatRoomId:  msg.RoomId,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		MessageId:   msg.Id,
		UnreadCount: &unread,
		Edited:      msg.Edited,
		Deleted:     msg.Deleted,
	}
	if msg.SenderId != nil {
		f.SenderId = *msg.SenderId
	}
	if msg.FileId != nil {
		f.FileId = *msg.FileId
	}
	return f
}

func FileMessageReceived(msg database.Message, file database.File) *ServerFrame {
	f := MessageReceived(msg)
	f.FileId = file.Id
	f.OriginalFilename = file.OriginalFilename
	f.ContentType = file.ContentType
	f.FileSize = file.FileSize
	return f
}

func MessagesRead(roomId, readerId, lastReadMessageId int64) *ServerFrame {
	return &ServerFrame{
		Type:       TypeMessagesRead,
		ChatRoomId: roomId,
		SenderId:   readerId,
		MessageId:  lastReadMessageId,
	}
}

func MessageEdited(msg database.Message) *ServerFrame {
	f := &ServerFrame{
		Type:       TypeMessageUpdated,
		ChatRoomId: msg.RoomId,
		Content:    msg.Content,
		MessageId:  msg.Id,
		Edited:     true,
	}
	if msg.SenderId != nil {
		f.SenderId = *msg.SenderId
	}
	return f
}

func MessageDeleted(msg database.Message) *ServerFrame {
	f := &ServerFrame{
		Type:       TypeMessageUpdated,
		ChatRoomId: msg.RoomId,
		MessageId:  msg.Id,
		Deleted:    true,
	}
	if msg.SenderId != nil {
		f.SenderId = *msg.SenderId
	}
	return f
}

func UserStatus(user database.User, online bool) *ServerFrame {
	return &ServerFrame{
		Type:       TypeUserStatus,
		SenderId:   user.Id,
		SenderName: user.Username,
		Online:     &online,
	}
}

func RoomInvite(roomId int64, userIds []int64) *ServerFrame {
	return &ServerFrame{
		Type:       TypeRoomInvite,
		ChatRoomId: roomId,
		UserIds:    userIds,
	}
}

func RoomLeave(roomId, userId int64, username string) *ServerFrame {
	return &ServerFrame{
		Type:       TypeRoomLeave,
		ChatRoomId: roomId,
		SenderId:   userId,
		SenderName: username,
	}
}

func ErrorFrame(requestId, code, message string) *ServerFrame {
	return &ServerFrame{
		Type:      TypeError,
		RequestId: requestId,
		Code:      code,
		Content:   message,
	}
}

// errorCode maps an operation error to the code sent back to the client.
// Unrecognized errors are internal.
func errorCode(err error) string {
	switch {
	case errors.Is(err, readstate.ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, readstate.ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, readstate.ErrAlreadyDeleted):
		return CodeAlreadyDeleted
	case errors.Is(err, readstate.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, readstate.ErrNotFriend):
		return CodeNotFriend
	case errors.Is(err, readstate.ErrSelfInvite):
		return CodeSelfInvite
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

func errorResponse(requestId string, err error) *ServerFrame {
	code := errorCode(err)
	if code == CodeInternal {
		return ErrorFrame(requestId, code, "internal server error")
	}
	return ErrorFrame(requestId, code, err.Error())
}

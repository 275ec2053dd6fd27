// Package readstate owns every write to a message's unread count and a
// member's read watermark. Each operation runs in one transaction.
package readstate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/database"
)

type Engine struct {
	log *log.Logger
	db  database.ChatRepository
	now func() time.Time
}

func NewEngine(logger *log.Logger, db database.ChatRepository) *Engine {
	return &Engine{
		log: logger,
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// initialUnreadCount is the unread count of a new message in a room with
// the given number of ACTIVE members.
func initialUnreadCount(activeMembers int) int {
	if activeMembers <= 0 {
		return 0
	}
	return activeMembers - 1
}

func findMember(members []database.Membership, userId int64) (database.Membership, bool) {
	for _, m := range members {
		if m.UserId == userId {
			return m, true
		}
	}
	return database.Membership{}, false
}

func (e *Engine) SendMessage(ctx context.Context, senderId, roomId int64, content string) (SendResult, error) {
	var res SendResult
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		sender, members, err := e.prepareSend(ctx, q, senderId, roomId)
		if err != nil {
			return err
		}

		msg, err := e.createMessage(ctx, q, database.CreateMessageParams{
			RoomId:      roomId,
			SenderId:    &sender.Id,
			Content:     content,
			Type:        database.MessageChat,
			UnreadCount: initialUnreadCount(len(members)),
		})
		if err != nil {
			return err
		}
		msg.SenderName = sender.Username

		res = SendResult{Message: msg, Sender: sender, Members: members}
		return nil
	})

	return res, err
}

func (e *Engine) SendFileMessage(ctx context.Context, senderId, roomId, fileId int64) (SendResult, error) {
	var res SendResult
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		sender, members, err := e.prepareSend(ctx, q, senderId, roomId)
		if err != nil {
			return err
		}

		file, err := q.GetFile(ctx, fileId)
		if err != nil {
			return lookupErr("file", err)
		}
		if file.UploaderId != senderId {
			return fmt.Errorf("file %d: %w", fileId, ErrNotOwner)
		}

		msg, err := e.createMessage(ctx, q, database.CreateMessageParams{
			RoomId:      roomId,
			SenderId:    &sender.Id,
			Content:     file.OriginalFilename,
			Type:        database.MessageFile,
			UnreadCount: initialUnreadCount(len(members)),
			FileId:      &file.Id,
		})
		if err != nil {
			return err
		}
		msg.SenderName = sender.Username

		res = SendResult{Message: msg, Sender: sender, File: &file, Members: members}
		return nil
	})

	return res, err
}

// prepareSend locks the room against concurrent sends so ids become
// visible in order, and checks the sender is an ACTIVE member.
func (e *Engine) prepareSend(ctx context.Context, q database.Queries, senderId, roomId int64) (database.User, []database.Membership, error) {
	if _, err := q.LockRoom(ctx, roomId, database.LockUpdate); err != nil {
		return database.User{}, nil, lookupErr("room", err)
	}

	sender, err := q.GetUser(ctx, senderId)
	if err != nil {
		return database.User{}, nil, lookupErr("user", err)
	}

	members, err := q.FindActiveMembers(ctx, roomId)
	if err != nil {
		return database.User{}, nil, fmt.Errorf("find active members: %w", err)
	}

	if _, ok := findMember(members, senderId); !ok {
		return database.User{}, nil, ErrNotAMember
	}

	return sender, members, nil
}

func (e *Engine) createMessage(ctx context.Context, q database.Queries, params database.CreateMessageParams) (database.Message, error) {
	params.CreatedAt = e.now()
	msg, err := q.CreateMessage(ctx, params)
	if err != nil {
		return database.Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

func (e *Engine) createSystemMessage(ctx context.Context, q database.Queries, roomId int64, content string, activeMembers int) (*database.Message, error) {
	msg, err := e.createMessage(ctx, q, database.CreateMessageParams{
		RoomId:      roomId,
		Content:     content,
		Type:        database.MessageSystem,
		UnreadCount: initialUnreadCount(activeMembers),
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead moves the user's watermark to the latest message in the room
// and decrements the unread count of every message it passes over.
//
// The membership row is locked and re-read inside the transaction, so two
// racing calls for the same member apply the decrement at most once per
// message.
func (e *Engine) MarkRead(ctx context.Context, userId, roomId int64) (ReadResult, error) {
	res := ReadResult{RoomId: roomId, ReaderId: userId}
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		if _, err := q.LockRoom(ctx, roomId, database.LockShare); err != nil {
			return lookupErr("room", err)
		}

		membership, err := q.FindMembership(ctx, roomId, userId)
		if err != nil {
			return membershipErr(err)
		}
		if !membership.IsActive() {
			return ErrNotAMember
		}

		prev := membership.LastReadOrZero()
		res.LastReadMessageId = prev

		latest, ok, err := q.MaxMessageId(ctx, roomId)
		if err != nil {
			return fmt.Errorf("max message id: %w", err)
		}

		switch {
		case !ok || latest == prev:
			res.Outcome = NothingToRead
			return nil
		case latest < prev:
			e.log.Printf("data integrity warning: room %d user %d watermark %d is ahead of latest message %d",
				roomId, userId, prev, latest)
			res.Outcome = ReadInconsistent
			return nil
		}

		n, err := q.DecrementUnreadInRange(ctx, roomId, prev, latest, userId)
		if err != nil {
			return fmt.Errorf("decrement unread: %w", err)
		}

		if _, err := q.UpdateLastRead(ctx, membership.Id, latest); err != nil {
			return fmt.Errorf("update last read: %w", err)
		}

		members, err := q.FindActiveMembers(ctx, roomId)
		if err != nil {
			return fmt.Errorf("find active members: %w", err)
		}

		res.Outcome = ReadApplied
		res.LastReadMessageId = latest
		res.Decremented = n
		res.Members = members
		return nil
	})
	if err != nil {
		return ReadResult{}, err
	}

	return res, nil
}

func (e *Engine) EditMessage(ctx context.Context, userId, messageId int64, content string) (EditResult, error) {
	return e.mutateMessage(ctx, userId, messageId, func(q database.Queries, msg *database.Message) error {
		if msg.Deleted {
			return ErrAlreadyDeleted
		}
		if err := q.UpdateMessageContent(ctx, msg.Id, content); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		msg.Content = content
		msg.Edited = true
		return nil
	})
}

func (e *Engine) DeleteMessage(ctx context.Context, userId, messageId int64) (EditResult, error) {
	return e.mutateMessage(ctx, userId, messageId, func(q database.Queries, msg *database.Message) error {
		if err := q.MarkMessageDeleted(ctx, msg.Id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		msg.Deleted = true
		return nil
	})
}

func (e *Engine) mutateMessage(ctx context.Context, userId, messageId int64, apply func(q database.Queries, msg *database.Message) error) (EditResult, error) {
	var res EditResult
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		msg, err := q.GetMessage(ctx, messageId)
		if err != nil {
			return lookupErr("message", err)
		}

		if msg.SenderId == nil || *msg.SenderId != userId {
			return ErrNotOwner
		}

		if err := apply(q, &msg); err != nil {
			return err
		}

		members, err := q.FindActiveMembers(ctx, msg.RoomId)
		if err != nil {
			return fmt.Errorf("find active members: %w", err)
		}

		res = EditResult{Message: msg, Members: members}
		return nil
	})

	return res, err
}

// Undelivered returns, per ACTIVE room, the messages past the user's
// watermark.
func (e *Engine) Undelivered(ctx context.Context, userId int64) ([]UndeliveredMessages, error) {
	var pending []UndeliveredMessages
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		memberships, err := q.ListMembershipsByUser(ctx, userId)
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}

		for _, m := range memberships {
			msgs, err := q.ListMessagesAfter(ctx, m.RoomId, m.LastReadOrZero())
			if err != nil {
				return fmt.Errorf("list messages for room %d: %w", m.RoomId, err)
			}
			if len(msgs) == 0 {
				continue
			}
			pending = append(pending, UndeliveredMessages{RoomId: m.RoomId, Messages: msgs})
		}
		return nil
	})

	return pending, err
}

// Rooms lists the user's ACTIVE rooms with their unread counts.
func (e *Engine) Rooms(ctx context.Context, userId int64) ([]RoomSummary, error) {
	rooms := make([]RoomSummary, 0)
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		memberships, err := q.ListMembershipsByUser(ctx, userId)
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}

		for _, m := range memberships {
			room, err := q.LockRoom(ctx, m.RoomId, database.LockShare)
			if err != nil {
				return lookupErr("room", err)
			}

			members, err := q.FindActiveMembers(ctx, m.RoomId)
			if err != nil {
				return fmt.Errorf("find active members: %w", err)
			}

			unread, err := q.CountUnread(ctx, m.RoomId, m.LastReadOrZero(), userId)
			if err != nil {
				return fmt.Errorf("count unread: %w", err)
			}

			names := make([]string, len(members))
			for i, member := range members {
				names[i] = member.Username
			}

			rooms = append(rooms, RoomSummary{
				RoomId:      room.Id,
				Type:        room.Type,
				Members:     names,
				UnreadCount: unread,
				CreatedAt:   room.CreatedAt,
			})
		}
		return nil
	})

	return rooms, err
}

// History pages through the messages a member can see, newest first. A
// member only sees messages created since they last joined.
func (e *Engine) History(ctx context.Context, userId, roomId int64, page, size int) ([]database.Message, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}

	var msgs []database.Message
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		membership, err := q.FindMembership(ctx, roomId, userId)
		if err != nil {
			return membershipErr(err)
		}
		if !membership.IsActive() {
			return ErrNotAMember
		}

		msgs, err = q.ListMessagesSince(ctx, roomId, membership.JoinedAt, size, page*size)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		return nil
	})

	return msgs, err
}

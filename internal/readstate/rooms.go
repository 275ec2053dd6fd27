package readstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/go-chatfleet/internal/database"
)

// CreateRoom opens a room between the creator and the given friends. A
// single friend makes a DIRECT room, anything larger is a GROUP. Every
// membership starts ACTIVE with no watermark.
func (e *Engine) CreateRoom(ctx context.Context, creatorId int64, userIds []int64) (RoomSummary, error) {
	var res RoomSummary
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		if _, err := q.GetUser(ctx, creatorId); err != nil {
			return lookupErr("user", err)
		}

		var invitees []int64
		seen := make(map[int64]bool, len(userIds))
		for _, userId := range userIds {
			if seen[userId] {
				continue
			}
			seen[userId] = true

			if _, err := e.checkInvitee(ctx, q, creatorId, userId); err != nil {
				return err
			}
			invitees = append(invitees, userId)
		}
		if len(invitees) == 0 {
			return ErrNoMembers
		}

		roomType := database.RoomGroup
		if len(invitees) == 1 {
			roomType = database.RoomDirect
		}

		room, err := q.CreateRoom(ctx, roomType, e.now())
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}

		for _, userId := range append([]int64{creatorId}, invitees...) {
			if _, err := q.CreateMembership(ctx, room.Id, userId, room.CreatedAt); err != nil {
				return fmt.Errorf("create membership: %w", err)
			}
		}

		members, err := q.FindActiveMembers(ctx, room.Id)
		if err != nil {
			return fmt.Errorf("find active members: %w", err)
		}

		res = RoomSummary{
			RoomId:    room.Id,
			Type:      room.Type,
			Members:   make([]string, len(members)),
			CreatedAt: room.CreatedAt,
		}
		for i, m := range members {
			res.Members[i] = m.Username
		}
		return nil
	})
	if err != nil {
		return RoomSummary{}, err
	}

	return res, nil
}

// InviteMembers adds the given friends of the inviter to the room. Users
// who already hold an ACTIVE membership are skipped, LEFT memberships are
// reactivated with their watermark cleared.
func (e *Engine) InviteMembers(ctx context.Context, inviterId, roomId int64, userIds []int64) (InviteResult, error) {
	res := InviteResult{RoomId: roomId}
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		if _, err := q.LockRoom(ctx, roomId, database.LockUpdate); err != nil {
			return lookupErr("room", err)
		}

		inviter, err := q.FindMembership(ctx, roomId, inviterId)
		if err != nil {
			return membershipErr(err)
		}
		if !inviter.IsActive() {
			return ErrNotAMember
		}

		var names []string
		seen := make(map[int64]bool, len(userIds))
		for _, userId := range userIds {
			if seen[userId] {
				continue
			}
			seen[userId] = true

			joined, name, err := e.addMember(ctx, q, inviterId, roomId, userId)
			if err != nil {
				return err
			}
			if joined {
				res.InvitedUserIds = append(res.InvitedUserIds, userId)
				names = append(names, name)
			}
		}

		members, err := q.FindActiveMembers(ctx, roomId)
		if err != nil {
			return fmt.Errorf("find active members: %w", err)
		}
		res.Members = members

		if len(names) == 0 {
			return nil
		}

		res.SystemMessage, err = e.createSystemMessage(ctx, q, roomId,
			strings.Join(names, ", ")+" joined the room.", len(members))
		return err
	})
	if err != nil {
		return InviteResult{}, err
	}

	return res, nil
}

// checkInvitee verifies that userId exists and is a friend of inviterId.
func (e *Engine) checkInvitee(ctx context.Context, q database.Queries, inviterId, userId int64) (database.User, error) {
	if userId == inviterId {
		return database.User{}, ErrSelfInvite
	}

	user, err := q.GetUser(ctx, userId)
	if err != nil {
		return database.User{}, lookupErr("user", err)
	}

	friends, err := q.FriendshipExists(ctx, inviterId, userId)
	if err != nil {
		return database.User{}, fmt.Errorf("check friendship: %w", err)
	}
	if !friends {
		return database.User{}, fmt.Errorf("user %d: %w", userId, ErrNotFriend)
	}

	return user, nil
}

func (e *Engine) addMember(ctx context.Context, q database.Queries, inviterId, roomId, userId int64) (bool, string, error) {
	user, err := e.checkInvitee(ctx, q, inviterId, userId)
	if err != nil {
		return false, "", err
	}

	existing, err := q.FindMembership(ctx, roomId, userId)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := q.CreateMembership(ctx, roomId, userId, e.now()); err != nil {
			return false, "", fmt.Errorf("create membership: %w", err)
		}
	case err != nil:
		return false, "", fmt.Errorf("find membership: %w", err)
	case existing.IsActive():
		return false, "", nil
	default:
		if err := q.RejoinMembership(ctx, existing.Id, e.now()); err != nil {
			return false, "", fmt.Errorf("rejoin membership: %w", err)
		}
	}

	return true, user.Username, nil
}

// LeaveRoom marks the user's membership LEFT and, if anyone remains,
// records a system message for them.
func (e *Engine) LeaveRoom(ctx context.Context, userId, roomId int64) (LeaveResult, error) {
	res := LeaveResult{RoomId: roomId, UserId: userId}
	err := e.db.WithTx(ctx, func(q database.Queries) error {
		if _, err := q.LockRoom(ctx, roomId, database.LockUpdate); err != nil {
			return lookupErr("room", err)
		}

		membership, err := q.FindMembership(ctx, roomId, userId)
		if err != nil {
			return membershipErr(err)
		}
		if !membership.IsActive() {
			return ErrNotAMember
		}
		res.Username = membership.Username

		if err := q.LeaveMembership(ctx, membership.Id); err != nil {
			return fmt.Errorf("leave membership: %w", err)
		}

		remaining, err := q.FindActiveMembers(ctx, roomId)
		if err != nil {
			return fmt.Errorf("find active members: %w", err)
		}
		res.Remaining = remaining

		if len(remaining) == 0 {
			return nil
		}

		res.SystemMessage, err = e.createSystemMessage(ctx, q, roomId,
			membership.Username+" left the room.", len(remaining))
		return err
	})
	if err != nil {
		return LeaveResult{}, err
	}

	return res, nil
}

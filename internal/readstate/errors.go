package readstate

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotAMember     = errors.New("not an active member of the room")
	ErrNotOwner       = errors.New("only the sender can modify this")
	ErrAlreadyDeleted = errors.New("message is deleted")
	ErrNotFound       = errors.New("not found")
	ErrNotFriend      = errors.New("user is not a friend")
	ErrSelfInvite     = errors.New("cannot invite yourself")
	ErrNoMembers      = errors.New("room needs at least one other member")
)

func lookupErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func membershipErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotAMember
	}
	return fmt.Errorf("find membership: %w", err)
}

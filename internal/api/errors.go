package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatfleet/internal/readstate"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(statusCode int, err error) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    strings.ToLower(http.StatusText(statusCode)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

// errorFor maps a storage or read-state error to its HTTP response.
func errorFor(err error) *ApiError {
	switch {
	case errors.Is(err, readstate.ErrNotAMember), errors.Is(err, readstate.ErrNotFriend):
		return NewForbiddenError()
	case errors.Is(err, readstate.ErrSelfInvite), errors.Is(err, readstate.ErrNoMembers):
		return NewBadRequestError()
	case errors.Is(err, readstate.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	default:
		return NewInternalServerError(err)
	}
}

package engine

import (
	"errors"
	"fmt"
)

// Code classifies an expected command rejection.
type Code string

const (
	CodeNotFound                 Code = "NOT_FOUND"
	CodeNotInitialized           Code = "NOT_INITIALIZED"
	CodeResolved                 Code = "RESOLVED"
	CodeMessageRequired          Code = "MESSAGE_REQUIRED"
	CodeTitleRequired            Code = "TITLE_REQUIRED"
	CodeServicesRequired         Code = "SERVICES_REQUIRED"
	CodeInitialStatusRequired    Code = "INITIAL_STATUS_REQUIRED"
	CodeStatusCanOnlyMoveForward Code = "STATUS_CAN_ONLY_MOVE_FORWARD"
	CodeInvalidInput             Code = "INVALID_INPUT"
)

// Error is a tagged rejection. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound                 = &Error{Code: CodeNotFound, Message: "incident not found"}
	ErrNotInitialized           = &Error{Code: CodeNotInitialized, Message: "incident is still initializing"}
	ErrResolved                 = &Error{Code: CodeResolved, Message: "incident is closed"}
	ErrMessageRequired          = &Error{Code: CodeMessageRequired, Message: "message is required"}
	ErrTitleRequired            = &Error{Code: CodeTitleRequired, Message: "title is required"}
	ErrServicesRequired         = &Error{Code: CodeServicesRequired, Message: "at least one known service is required"}
	ErrInitialStatusRequired    = &Error{Code: CodeInitialStatusRequired, Message: "initial status must be investigating"}
	ErrStatusCanOnlyMoveForward = &Error{Code: CodeStatusCanOnlyMoveForward, Message: "status can only move forward"}
	ErrInvalidInput             = &Error{Code: CodeInvalidInput}
)

func invalidInput(format string, args ...any) error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or "" for faults.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

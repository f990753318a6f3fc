package service

import (
	"errors"
	"fmt"
)

// Code classifies an expected, recoverable failure surfaced to callers.
type Code string

const (
	CodeInvalidToken           Code = "invalid_token"
	CodeExpired                Code = "expired"
	CodeUnauthorized           Code = "unauthorized"
	CodeNotFound               Code = "not_found"
	CodeValidation             Code = "validation_error"
	CodeSlotRequired           Code = "slot_required"
	CodeSlotAlreadyBooked      Code = "slot_already_booked"
	CodeThreadNotActive        Code = "thread_not_active"
	CodeMaxReproposalsExceeded Code = "max_reproposals_exceeded"
)

// SlotTakenMessage is shown to invitees who lose a slot claim.
const SlotTakenMessage = "選択した枠が埋まっています。別の枠を選択してください (slot already booked)"

// Error is a typed service error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors with the same code, so errors.Is(err, ErrSlotAlreadyBooked)
// works for any message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidToken           = &Error{Code: CodeInvalidToken, Message: "invite token is invalid"}
	ErrExpired                = &Error{Code: CodeExpired, Message: "invite has expired"}
	ErrUnauthorized           = &Error{Code: CodeUnauthorized, Message: "organizer identity required"}
	ErrThreadNotFound         = &Error{Code: CodeNotFound, Message: "thread not found"}
	ErrNotificationNotFound   = &Error{Code: CodeNotFound, Message: "notification not found"}
	ErrSlotRequired           = &Error{Code: CodeSlotRequired, Message: "selected_slot_id is required for an ok response"}
	ErrSlotAlreadyBooked      = &Error{Code: CodeSlotAlreadyBooked, Message: SlotTakenMessage}
	ErrThreadNotActive        = &Error{Code: CodeThreadNotActive, Message: "thread is not accepting this operation in its current state"}
	ErrMaxReproposalsExceeded = &Error{Code: CodeMaxReproposalsExceeded, Message: "maximum number of reproposals reached"}
)

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notActive(format string, args ...any) *Error {
	return &Error{Code: CodeThreadNotActive, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of a service error, or "" for other errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

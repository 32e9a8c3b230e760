package consts

import "errors"

var (
	ErrInternalError    = errors.New("internal error")
	ErrMalformedMessage = errors.New("malformed message")
	ErrEmptyMessage     = errors.New("message has no text and no attachments")
	ErrMessageTooLarge  = errors.New("message exceeds size limit")
	ErrLineTooLong      = errors.New("line too long")
	ErrNoSuchMessage    = errors.New("no such message")
	ErrAlreadyDeleted   = errors.New("message already deleted")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

package chat

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below unwrap to exactly one of them.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// ValidationError reports malformed input for a logical field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("chat: %v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("chat: %v: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// AuthorizationError reports a verified caller acting outside its permissions.
// ConversationID is zero for operations that do not target a conversation.
type AuthorizationError struct {
	Op             string
	AccountID      int64
	ConversationID int64
}

func (e AuthorizationError) Error() string {
	if e.ConversationID == 0 {
		return fmt.Sprintf("%s: %v: account %d", e.Op, ErrForbidden, e.AccountID)
	}
	return fmt.Sprintf("%s: %v: account %d on conversation %d", e.Op, ErrForbidden, e.AccountID, e.ConversationID)
}

func (e AuthorizationError) Unwrap() error { return ErrForbidden }

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
	ID       int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v: %s %d", e.Op, ErrNotFound, e.Resource, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a uniqueness violation on a logical field ("reader_id").
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// ABOUTME: Caller-facing error taxonomy for conversation operations
// ABOUTME: ValidationError carries a stable code; sentinels cover not-found and conflicts

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/studio-chat/internal/store"
)

// Validation codes returned in ValidationError.Code
const (
	CodeInvalidParticipant = "invalid_participant"
	CodeEmptyBody          = "empty_body"
	CodeBodyTooLong        = "body_too_long"
	CodeSelfConversation   = "self_conversation"
	CodeUnknownBooking     = "unknown_booking"
	CodeInvalidCursor      = "invalid_cursor"
)

// ErrNotFound is returned for unknown conversations and sessions.
// It matches store.ErrNotFound with errors.Is.
var ErrNotFound = fmt.Errorf("conversation %w", store.ErrNotFound)

// ErrConcurrencyConflict means a message id was taken twice. Appends are
// serialized per conversation, so this is an invariant violation and is never
// retried.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports bad input. It is surfaced to the caller as is and
// never retried automatically.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError with the given code.
// An empty code matches any ValidationError.
func IsValidation(err error, code string) bool {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return false
	}
	return code == "" || verr.Code == code
}

// translateStoreError maps store sentinels onto this package's taxonomy
func translateStoreError(err error, participantID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrNotParticipant):
		return invalid(CodeInvalidParticipant, "%q is not a participant of this conversation", participantID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	default:
		return err
	}
}

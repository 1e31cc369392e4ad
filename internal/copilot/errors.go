package copilot

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/copilot/internal/actions"
	"github.com/suPer8Hu/copilot/internal/ai"
	"github.com/suPer8Hu/copilot/internal/conversation"
)

type ErrorKind string

const (
	KindMissingInfo ErrorKind = "missing_info"
	KindNotFound    ErrorKind = "not_found"
	KindTimeout     ErrorKind = "timeout"
	KindGeneric     ErrorKind = "generic"
)

// UserError is the only error shape shown to users.
type UserError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Details     []string  `json:"details,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

var userErrors = map[ErrorKind]UserError{
	KindMissingInfo: {
		Kind:        KindMissingInfo,
		Message:     "I need a bit more information to do that.",
		Suggestions: []string{"Include the name of the node", "Try: add supplier Acme with capacity 500"},
	},
	KindNotFound: {
		Kind:        KindNotFound,
		Message:     "I couldn't find that in your network.",
		Suggestions: []string{"List the nodes in the network", "Check the spelling of the name"},
	},
	KindTimeout: {
		Kind:        KindTimeout,
		Message:     "That took too long to process. Please try again.",
		Suggestions: []string{"Try again in a moment", "Split the request into smaller steps"},
	},
	KindGeneric: {
		Kind:        KindGeneric,
		Message:     "Something went wrong while handling your request.",
		Suggestions: []string{"Try rephrasing the request", "Ask for help to see what I can do"},
	},
}

func newUserError(kind ErrorKind, details ...string) *UserError {
	ue := userErrors[kind]
	ue.Suggestions = append([]string(nil), ue.Suggestions...)
	ue.Details = details
	return &ue
}

// ValidationError rejects a request before any side effect. Its text is
// written for users.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// ErrPanic marks an action that panicked.
var ErrPanic = errors.New("action panicked")

// Translate maps an internal error to a UserError. Internal error text is
// never copied into the result, except for ValidationError.
func Translate(err error) *UserError {
	var ve *ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		return newUserError(KindMissingInfo, ve.Error())
	case errors.Is(err, actions.ErrInvalidParams):
		return newUserError(KindMissingInfo)
	case errors.Is(err, actions.ErrNotFound), errors.Is(err, conversation.ErrNotFound):
		return newUserError(KindNotFound)
	case errors.Is(err, context.DeadlineExceeded), ai.IsTimeout(err):
		return newUserError(KindTimeout)
	default:
		return newUserError(KindGeneric)
	}
}

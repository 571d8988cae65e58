package idempotency

import "errors"

var (
	// ErrFollowerWaitExhausted is returned under strict_fail_closed when a follower's wait
	// budget elapsed (or its request was cancelled) before the leader resolved.
	ErrFollowerWaitExhausted = errors.New("idempotency follower wait exhausted")

	// ErrInvalidKey is returned when a malformed Idempotency-Key is rejected rather than
	// passed through uncoordinated.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// Error is an application-layer error that can be mapped to an HTTP response.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func validationError(msg string, details map[string]any) *Error {
	return &Error{Status: 400, Code: "VALIDATION_ERROR", Message: msg, Details: details}
}

func notFound(msg string) *Error {
	return &Error{Status: 404, Code: "IDEMPOTENCY_KEY_NOT_FOUND", Message: msg}
}

package pipeline

import "fmt"

// UserError marks a configuration or usage mistake that should be reported
// to the operator and end the process with exit code 1, as distinct from a
// programming error (exit 255) or a transport error (propagated as a plain
// error and also exits non-zero, but without the "bad input" framing).
type UserError struct {
	msg string
}

// NewUserError builds a UserError from a format string.
func NewUserError(format string, args ...any) *UserError {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

func (e *UserError) Error() string { return e.msg }

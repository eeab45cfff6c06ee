package ai

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrConflict             = errors.New("job state conflict")
	ErrJobTerminal          = fmt.Errorf("%w: job already finished", ErrConflict)
	ErrInvalidCallbackToken = errors.New("invalid callback token")
)

// InputError is a caller mistake. Its message is safe to return to clients;
// errors.Is matches the sentinel it was built from.
type InputError struct {
	kind error
	msg  string
}

func (e *InputError) Error() string        { return e.msg }
func (e *InputError) Is(target error) bool { return target == e.kind }

func invalidf(format string, args ...any) error {
	return &InputError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

func tooLargef(format string, args ...any) error {
	return &InputError{kind: ErrPayloadTooLarge, msg: fmt.Sprintf(format, args...)}
}

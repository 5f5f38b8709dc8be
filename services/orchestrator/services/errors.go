package services

import (
	"errors"
	"fmt"
)

// BadInputError rejects a turn before any state changes: blank message,
// oversized payload, malformed field. Handlers map it to HTTP 400.
type BadInputError struct {
	Field  string
	Reason string
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("bad input on %q: %s", e.Field, e.Reason)
}

// IsBadInput reports whether err is a BadInputError anywhere in its chain.
func IsBadInput(err error) bool {
	var bie *BadInputError
	return errors.As(err, &bie)
}

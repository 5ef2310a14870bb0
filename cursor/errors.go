package cursor

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a cursor id is unknown, already killed, or
// exhausted by invalidation.
var ErrNotFound = errors.New("cursor not found")

// InUseError reports a getMore issued against a cursor that already has a
// getMore in flight. Cursors are strictly single-consumer.
type InUseError struct {
	ID uint64
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("cursor %d already has an operation in progress", e.ID)
}

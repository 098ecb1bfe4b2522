package fleet

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every public operation returns an error wrapping exactly one
// of these so callers can branch with errors.Is.
var (
	ErrTimeout     = errors.New("operation timed out")
	ErrNotFound    = errors.New("device not found")
	ErrUnsupported = errors.New("not supported by this device")
	ErrBusy        = errors.New("radio busy")
	ErrTransport   = errors.New("transport failure")
)

var kinds = []error{ErrTimeout, ErrNotFound, ErrUnsupported, ErrBusy, ErrTransport}

// classify wraps err with desc, tagging raw transport errors as ErrTransport.
// Errors already carrying a failure kind keep it.
func classify(desc string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return fmt.Errorf("%s: %w", desc, err)
		}
	}
	// An op that honored its expiring context reports the same timeout as
	// one that was abandoned.
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", desc, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", desc, ErrTransport, err)
}

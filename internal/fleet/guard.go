package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Per-operation deadlines. The transport can hang indefinitely on a dead
// radio link, so every device-facing call is bounded and a timeout is
// treated like any other failure, disconnect cleanup included.
const (
	timeoutConnect    = 10 * time.Second
	timeoutDisconnect = 5 * time.Second
	timeoutLockOp     = 8 * time.Second
	timeoutInit       = 10 * time.Second
	timeoutReset      = 12 * time.Second
	timeoutStatus     = 5 * time.Second
	timeoutLog        = 10 * time.Second
	timeoutSettings   = 8 * time.Second

	timeoutPasscodeAdd = 10 * time.Second
	timeoutCredAdd     = 12 * time.Second // card/fingerprint enrollment waits for the user
	timeoutCredUpdate  = 10 * time.Second
	timeoutCredDelete  = 8 * time.Second
	timeoutCredList    = 8 * time.Second
)

// guarded runs op with deadline d. The op gets a context that expires with
// the deadline; if it has not returned by then its result is abandoned and
// the call fails with ErrTimeout. Errors from op pass through classify.
func guarded(ctx context.Context, d time.Duration, desc string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	select {
	case err := <-done:
		return classify(desc, err)
	case <-opCtx.Done():
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s after %s: %w", desc, d, ErrTimeout)
		}
		return classify(desc, opCtx.Err())
	}
}

package attachment

import (
	"context"
	"errors"
	"time"
)

// DefaultLocationTimeout bounds FetchLocation when no timeout is given.
const DefaultLocationTimeout = 5 * time.Second

// FetchLocation asks loc for the current position and gives up after
// timeout with ErrTimedOut. A timeout <= 0 means DefaultLocationTimeout.
func FetchLocation(ctx context.Context, loc ILocator, timeout time.Duration) (Coords, error) {
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		c   Coords
		err error
	}
	resC := make(chan result, 1)
	go func() {
		c, err := loc.Locate(ctx)
		resC <- result{c, err}
	}()

	select {
	case r := <-resC:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return Coords{}, ErrTimedOut
		}
		return r.c, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Coords{}, ErrTimedOut
		}
		return Coords{}, ctx.Err()
	}
}

// StaticLocator always reports the same position.
type StaticLocator Coords

func (l StaticLocator) Locate(ctx context.Context) (Coords, error) {
	if err := ctx.Err(); err != nil {
		return Coords{}, err
	}
	return Coords(l), nil
}

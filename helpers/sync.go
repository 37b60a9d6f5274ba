package helpers

import (
	"context"

	"github.com/temoto/alive/v2"
)

// AliveContext links lifetimes: a stops when ctx is done,
// returned context is cancelled when a stops.
func AliveContext(ctx context.Context, a *alive.Alive) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.StopChan():
		}
		cancel()
	}()
	return ctx
}

package loop

import "context"

// Call runs fn on l and waits for its result. It must not be called from the
// loop itself. If ctx ends first, Call returns ctx.Err() and fn may still run
// later.
func Call(ctx context.Context, l Loop, fn func() error) error {
	res := make(chan error, 1)
	l.Post(func() { res <- fn() })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

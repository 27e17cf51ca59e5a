package common

import "context"

// contextWithDoneChan returns a new context that is canceled either when
// the given context is canceled or when the done channel is closed.
func contextWithDoneChan(ctx context.Context, done chan struct{}) context.Context {
	ctx2, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-ctx2.Done():
		}
	}()
	return ctx2
}

package common

import (
	"context"
	"sync/atomic"
	"time"
)

// Barrier lets a navigation waiter hold off until navigations requested
// while it waits have either committed or timed out.
type Barrier struct {
	count atomic.Int64
	ch    chan bool
	errCh chan error
}

// NewBarrier creates a barrier holding one unit for the caller itself,
// released when Wait is called.
func NewBarrier() *Barrier {
	b := &Barrier{
		ch:    make(chan bool, 1),
		errCh: make(chan error, 1),
	}
	b.count.Store(1)
	return b
}

// AddFrameNavigation makes the barrier wait for the top frame's next
// navigation. Navigations of child frames don't hold the barrier.
func (b *Barrier) AddFrameNavigation(frame *Frame) {
	if frame.ParentFrame() != nil {
		return
	}

	ch, evCancelFn := createWaitForEventHandler(
		frame.ctx, frame, []EventType{EventFrameNavigation},
		func(any) bool { return true })
	b.expect()
	go func() {
		defer evCancelFn(nil)
		select {
		case <-frame.ctx.Done():
		case <-time.After(frame.manager.timeoutSettings.navigationTimeout()):
			select {
			case b.errCh <- ErrTimedOut:
			default:
			}
		case <-ch:
			b.release()
		}
	}()
}

func (b *Barrier) expect() {
	b.count.Add(1)
}

func (b *Barrier) release() {
	if b.count.Add(-1) == 0 {
		b.ch <- true
	}
}

// Wait releases the caller's own unit and blocks until every expected
// navigation has settled.
func (b *Barrier) Wait(ctx context.Context) error {
	b.release()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ch:
		return nil
	case err := <-b.errCh:
		return err
	}
}

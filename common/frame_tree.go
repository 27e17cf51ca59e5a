package common

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/cdp"
)

// FrameTree indexes the frames of a page by frame id and tracks which of
// them is the main frame. Lookups for a frame that has not been reported
// yet can wait for it: protocol events about a frame may arrive before
// the event that creates it.
type FrameTree struct {
	mu        sync.RWMutex
	frames    map[cdp.FrameID]*Frame
	mainFrame *Frame
	waiters   map[cdp.FrameID][]chan *Frame
}

// NewFrameTree creates an empty frame tree.
func NewFrameTree() *FrameTree {
	return &FrameTree{
		frames:  make(map[cdp.FrameID]*Frame),
		waiters: make(map[cdp.FrameID][]chan *Frame),
	}
}

// AddFrame indexes the frame. A frame without a parent becomes the main
// frame. Pending waiters for its id are resolved.
func (t *FrameTree) AddFrame(f *Frame) {
	t.mu.Lock()
	t.frames[f.ID()] = f
	if f.ParentFrame() == nil {
		t.mainFrame = f
	}
	t.notifyWaiters(f)
	t.mu.Unlock()
}

// RemoveFrame drops the frame from the index. It does not touch the
// frame's children; recursive teardown is the caller's business.
func (t *FrameTree) RemoveFrame(f *Frame) {
	t.mu.Lock()
	delete(t.frames, f.ID())
	if t.mainFrame == f {
		t.mainFrame = nil
	}
	t.mu.Unlock()
}

// SwapFrameID rebinds the frame under a new id, preserving its identity.
// Used when a main frame navigates cross-process and the browser reuses
// the target's id for it.
func (t *FrameTree) SwapFrameID(f *Frame, id cdp.FrameID) {
	t.mu.Lock()
	delete(t.frames, f.ID())
	f.setID(id)
	t.frames[id] = f
	t.notifyWaiters(f)
	t.mu.Unlock()
}

// GetByID returns the frame with the given id.
func (t *FrameTree) GetByID(id cdp.FrameID) (*Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.frames[id]
	return f, ok
}

// MainFrame returns the page's top frame, nil before the first snapshot
// has been applied.
func (t *FrameTree) MainFrame() *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mainFrame
}

// Frames returns all indexed frames.
func (t *FrameTree) Frames() []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Frame, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, f)
	}
	return out
}

// WaitForFrame returns the frame with the given id, blocking until it is
// added if necessary. It carries no timeout of its own; bound the wait
// through ctx.
func (t *FrameTree) WaitForFrame(ctx context.Context, id cdp.FrameID) (*Frame, error) {
	t.mu.Lock()
	if f, ok := t.frames[id]; ok {
		t.mu.Unlock()
		return f, nil
	}
	ch := make(chan *Frame, 1)
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		t.mu.Lock()
		t.dropWaiter(id, ch)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notifyWaiters must be called with t.mu held.
func (t *FrameTree) notifyWaiters(f *Frame) {
	for _, ch := range t.waiters[f.ID()] {
		ch <- f
	}
	delete(t.waiters, f.ID())
}

// dropWaiter must be called with t.mu held.
func (t *FrameTree) dropWaiter(id cdp.FrameID, ch chan *Frame) {
	ws := t.waiters[id]
	for i, w := range ws {
		if w == ch {
			t.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[id]) == 0 {
		delete(t.waiters, id)
	}
}

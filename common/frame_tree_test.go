package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemux/cdpmux/log"
)

func newTestFrameManager(t *testing.T) (*FrameManager, *Session) {
	t.Helper()
	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")
	p := &Page{
		BaseEventEmitter: NewBaseEventEmitter(conn.ctx),
		ctx:              conn.ctx,
		session:          sess,
		targetID:         "t1",
		timeoutSettings:  NewTimeoutSettings(nil),
		logger:           log.Null,
	}
	m := NewFrameManager(conn.ctx, sess, p, p.timeoutSettings, log.Null)
	p.frameManager = m
	return m, sess
}

func newTestFrame(t *testing.T, m *FrameManager, parent *Frame, id cdp.FrameID, sess *Session) *Frame {
	t.Helper()
	return NewFrame(m.ctx, m, parent, id, sess, log.Null)
}

func TestFrameTreeAddGetRemove(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	tree := NewFrameTree()

	main := newTestFrame(t, m, nil, "main", sess)
	tree.AddFrame(main)
	require.Same(t, main, tree.MainFrame())

	child := newTestFrame(t, m, main, "child", sess)
	tree.AddFrame(child)

	got, ok := tree.GetByID("child")
	require.True(t, ok)
	assert.Same(t, child, got)
	assert.Len(t, tree.Frames(), 2)

	tree.RemoveFrame(child)
	_, ok = tree.GetByID("child")
	assert.False(t, ok)

	tree.RemoveFrame(main)
	assert.Nil(t, tree.MainFrame())
}

func TestFrameTreeSwapFrameID(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	tree := NewFrameTree()

	main := newTestFrame(t, m, nil, "old", sess)
	tree.AddFrame(main)

	tree.SwapFrameID(main, "new")

	assert.Equal(t, cdp.FrameID("new"), main.ID())
	_, ok := tree.GetByID("old")
	assert.False(t, ok)
	got, ok := tree.GetByID("new")
	require.True(t, ok)
	assert.Same(t, main, got)
	assert.Same(t, main, tree.MainFrame())
}

func TestFrameTreeWaitForFrame(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	tree := NewFrameTree()

	type result struct {
		frame *Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := tree.WaitForFrame(context.Background(), "later")
		resCh <- result{f, err}
	}()

	// Give the waiter a moment to register before the frame shows up.
	time.Sleep(10 * time.Millisecond)
	later := newTestFrame(t, m, nil, "later", sess)
	tree.AddFrame(later)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Same(t, later, res.frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestFrameTreeWaitForFrameCanceled(t *testing.T) {
	t.Parallel()

	tree := NewFrameTree()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tree.WaitForFrame(ctx, "never")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameTreeWaitForExistingFrame(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	tree := NewFrameTree()
	main := newTestFrame(t, m, nil, "main", sess)
	tree.AddFrame(main)

	f, err := tree.WaitForFrame(context.Background(), "main")
	require.NoError(t, err)
	assert.Same(t, main, f)
}

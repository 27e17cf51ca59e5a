package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBarrierWaitWithoutNavigations(t *testing.T) {
	t.Parallel()

	b := NewBarrier()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Wait(ctx))
}

func TestBarrierWaitsForFrameNavigation(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	b := NewBarrier()
	b.AddFrameNavigation(frame)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		done <- b.Wait(ctx)
	}()

	// The barrier holds until the frame reports a navigation.
	select {
	case err := <-done:
		t.Fatalf("barrier released early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	frame.emit(EventFrameNavigation, &NavigationEvent{url: "https://b.test/"})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for barrier release")
	}
}

func TestBarrierIgnoresChildFrameNavigation(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	main := navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	child := newTestFrame(t, m, main, "f2", sess)
	m.frameTree.AddFrame(child)

	b := NewBarrier()
	b.AddFrameNavigation(child)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Wait(ctx))
}

func TestBarrierWaitCanceled(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	b := NewBarrier()
	b.AddFrameNavigation(frame)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}

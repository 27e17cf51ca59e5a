package common

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemux/cdpmux/log"
)

func pendingDoc(f *Frame) *DocumentInfo {
	f.pendingDocumentMu.RLock()
	defer f.pendingDocumentMu.RUnlock()
	return f.pendingDocument
}

func currentDoc(f *Frame) *DocumentInfo {
	f.pendingDocumentMu.RLock()
	defer f.pendingDocumentMu.RUnlock()
	return f.currentDocument
}

func navigateMainFrame(t *testing.T, m *FrameManager, sess *Session, id cdp.FrameID, url string) *Frame {
	t.Helper()
	m.frameNavigated(sess, &cdp.Frame{ID: id, LoaderID: cdp.LoaderID("loader-" + string(id)), URL: url}, false)
	frame := m.MainFrame()
	require.NotNil(t, frame)
	require.Equal(t, id, frame.ID())
	return frame
}

func TestFrameManagerMainFrameNavigated(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)

	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	assert.Equal(t, "https://a.test/", frame.URL())
	assert.Equal(t, "loader-f1", currentDoc(frame).documentID)
	assert.Same(t, sess, frame.Session())
	assert.Equal(t, "https://a.test/", m.MainFrameURL())
}

func TestFrameManagerFrameAttachedDetached(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	main := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	attachedCh := make(chan Event)
	detachedCh := make(chan Event)
	m.page.on(m.ctx, []EventType{EventPageFrameAttached}, attachedCh)
	m.page.on(m.ctx, []EventType{EventPageFrameDetached}, detachedCh)

	m.frameAttached(sess, "f2", "f1")
	child, ok := m.getFrameByID("f2")
	require.True(t, ok)
	assert.Same(t, main, child.ParentFrame())
	assert.Equal(t, []*Frame{child}, main.ChildFrames())

	select {
	case ev := <-attachedCh:
		assert.Same(t, child, ev.data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame attachment")
	}

	m.frameDetached(sess, "f2", cdppage.FrameDetachedReasonRemove)
	_, ok = m.getFrameByID("f2")
	assert.False(t, ok)
	assert.True(t, child.IsDetached())
	assert.Empty(t, main.ChildFrames())

	select {
	case ev := <-detachedCh:
		assert.Same(t, child, ev.data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame detachment")
	}
}

func TestFrameManagerInitSessionSnapshotGate(t *testing.T) {
	t.Parallel()

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

	liveNavigated := &cdproto.Message{
		Method:    cdproto.EventPageFrameNavigated,
		SessionID: "sess1",
		Params: easyjson.RawMessage(`{
			"frame": {"id": "f1", "loaderId": "llive", "url": "https://live.test/"}
		}`),
	}

	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		if msg.Method != cdproto.MethodType(cdppage.CommandGetFrameTree) {
			return emptyReply(msg)
		}
		// A live navigation lands while the snapshot command is still in
		// flight. Hold the stale snapshot reply back until the event loop
		// has seen the event.
		ft.deliver(t, liveNavigated)
		require.Eventually(t, func() bool {
			m.navigatedMu.Lock()
			defer m.navigatedMu.Unlock()
			_, ok := m.navigatedWhileSnapshot["f1"]
			return ok
		}, time.Second, time.Millisecond)
		return []cdproto.Message{{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result: easyjson.RawMessage(`{
				"frameTree": {
					"frame": {"id": "f1", "loaderId": "lstale", "url": "https://stale.test/"}
				}
			}`),
		}}
	})

	require.NoError(t, m.initialize(conn.ctx))

	// The snapshot must not roll the live navigation back; the queued
	// live event replays once the snapshot has been applied.
	require.Eventually(t, func() bool {
		frame := m.MainFrame()
		return frame != nil && frame.URL() == "https://live.test/"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "llive", currentDoc(m.MainFrame()).documentID)
	assert.NotEqual(t, "https://stale.test/", m.MainFrameURL())
}

func TestFrameManagerConcurrentNavigationAndRequests(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	// Document requests arrive on the network manager's event loop while
	// commits arrive on the frame manager's; the pending document must
	// stay consistent under both.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("r%d", i)
			req := NewRequest(&network.EventRequestWillBeSent{
				RequestID: network.RequestID(id),
				LoaderID:  cdp.LoaderID(id),
				FrameID:   "f1",
				Type:      network.ResourceTypeDocument,
				Request:   &network.Request{URL: "https://a.test/doc", Method: "GET"},
			}, frame, id)
			m.requestStarted(req)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.frameNavigated(sess, &cdp.Frame{
				ID:       "f1",
				LoaderID: cdp.LoaderID(fmt.Sprintf("l%d", i)),
				URL:      "https://a.test/",
			}, false)
		}
	}()
	wg.Wait()

	require.NotNil(t, currentDoc(frame))
}

func TestFrameManagerRecursiveDetach(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	m.frameAttached(sess, "f2", "f1")
	m.frameAttached(sess, "f3", "f2")
	m.frameAttached(sess, "f4", "f3")

	detachedCh := make(chan Event)
	m.page.on(m.ctx, []EventType{EventPageFrameDetached}, detachedCh)

	// Detaching a frame removes its whole subtree, one detachment event
	// per node.
	m.frameDetached(sess, "f2", cdppage.FrameDetachedReasonRemove)

	detached := make(map[cdp.FrameID]int)
	for i := 0; i < 3; i++ {
		select {
		case ev := <-detachedCh:
			f, ok := ev.data.(*Frame)
			require.True(t, ok)
			detached[f.ID()]++
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for detachment %d", i)
		}
	}
	assert.Equal(t, map[cdp.FrameID]int{"f2": 1, "f3": 1, "f4": 1}, detached)

	for _, id := range []cdp.FrameID{"f2", "f3", "f4"} {
		_, ok := m.getFrameByID(id)
		assert.False(t, ok, "frame %s still in tree", id)
	}
	_, ok := m.getFrameByID("f1")
	assert.True(t, ok)
}

func TestFrameManagerFrameAttachedUnknownParent(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	m.frameAttached(sess, "f2", "nonexistent")
	_, ok := m.getFrameByID("f2")
	assert.False(t, ok)
}

func TestFrameManagerNavigatedBeforeAttached(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	// The navigation event for a child frame can outrun the attachment
	// that creates it; it must be applied once the frame appears.
	m.frameNavigated(sess, &cdp.Frame{
		ID: "f2", ParentID: "f1", LoaderID: "l2", URL: "https://b.test/",
	}, false)
	_, ok := m.getFrameByID("f2")
	require.False(t, ok)

	m.frameAttached(sess, "f2", "f1")
	require.Eventually(t, func() bool {
		f, ok := m.getFrameByID("f2")
		return ok && f.URL() == "https://b.test/"
	}, time.Second, 10*time.Millisecond)
}

func TestFrameManagerMainFrameIdentityAcrossProcessSwap(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	main := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	// A cross-process main frame navigation arrives under a fresh frame
	// id. The frame object keeps its identity under the new id.
	m.frameNavigated(sess, &cdp.Frame{ID: "f9", LoaderID: "l9", URL: "https://b.test/"}, false)

	require.Same(t, main, m.MainFrame())
	assert.Equal(t, cdp.FrameID("f9"), main.ID())
	assert.Equal(t, "https://b.test/", main.URL())
	_, ok := m.getFrameByID("f1")
	assert.False(t, ok)
}

func TestFrameManagerSnapshotLosesToLiveNavigation(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://live.test/")

	// A frame that navigated while the snapshot was being fetched must
	// not be reset to the snapshot's stale state.
	m.recordNavigatedWhileSnapshot("f1")
	m.handleFrameTree(sess, &cdppage.FrameTree{
		Frame: &cdp.Frame{ID: "f1", LoaderID: "l0", URL: "https://stale.test/"},
	}, false)
	assert.Equal(t, "https://live.test/", m.MainFrameURL())

	// The record is consumed; the next snapshot applies normally.
	m.handleFrameTree(sess, &cdppage.FrameTree{
		Frame: &cdp.Frame{ID: "f1", LoaderID: "l1", URL: "https://next.test/"},
	}, false)
	assert.Equal(t, "https://next.test/", m.MainFrameURL())
}

func TestFrameManagerHandleFrameTreeRecursive(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)

	m.handleFrameTree(sess, &cdppage.FrameTree{
		Frame: &cdp.Frame{ID: "f1", LoaderID: "l1", URL: "https://a.test/"},
		ChildFrames: []*cdppage.FrameTree{
			{Frame: &cdp.Frame{ID: "f2", ParentID: "f1", LoaderID: "l2", URL: "https://b.test/"}},
			{Frame: &cdp.Frame{ID: "f3", ParentID: "f1", LoaderID: "l3", URL: "https://c.test/"}},
		},
	}, true)

	main := m.MainFrame()
	require.NotNil(t, main)
	assert.Len(t, m.Frames(), 3)
	assert.Len(t, main.ChildFrames(), 2)
	f2, ok := m.getFrameByID("f2")
	require.True(t, ok)
	assert.Equal(t, "https://b.test/", f2.URL())
}

func TestFrameManagerFrameDetachedSwap(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	m.frameAttached(sess, "f2", "f1")
	m.frameAttached(sess, "f3", "f2")

	swappedCh := make(chan Event)
	m.page.on(m.ctx, []EventType{EventPageFrameSwapped}, swappedCh)

	// A swap detachment means the frame moved to another process: the
	// frame object survives, only its children go.
	m.frameDetached(sess, "f2", cdppage.FrameDetachedReasonSwap)

	f2, ok := m.getFrameByID("f2")
	require.True(t, ok)
	assert.False(t, f2.IsDetached())
	_, ok = m.getFrameByID("f3")
	assert.False(t, ok)

	select {
	case ev := <-swappedCh:
		assert.Same(t, f2, ev.data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame swap")
	}
}

func TestFrameManagerFrameDetachedStaleSessionIgnored(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	m.frameAttached(sess, "f2", "f1")

	other := NewSession(m.ctx, m.Session().conn, "other", nil, nil, m.logger)
	m.frameDetached(other, "f2", cdppage.FrameDetachedReasonRemove)

	_, ok := m.getFrameByID("f2")
	assert.True(t, ok, "detachment from a stale session must be ignored")
}

func TestFrameManagerNavigatedWithinDocument(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	navCh := make(chan Event)
	frame.on(m.ctx, []EventType{EventFrameNavigation}, navCh)

	m.frameNavigatedWithinDocument("f1", "https://a.test/#anchor")
	assert.Equal(t, "https://a.test/#anchor", frame.URL())

	select {
	case ev := <-navCh:
		nav, ok := ev.data.(*NavigationEvent)
		require.True(t, ok)
		assert.Equal(t, "https://a.test/#anchor", nav.url)
		assert.Nil(t, nav.newDocument)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for same-document navigation")
	}
}

func TestFrameManagerAbortedNavigation(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	m.frameRequestedNavigation("f1", "https://b.test/", "l2")
	require.NotNil(t, pendingDoc(frame))

	navCh := make(chan Event)
	frame.on(m.ctx, []EventType{EventFrameNavigation}, navCh)

	m.frameAbortedNavigation("f1", "net::ERR_ABORTED", "l2")
	assert.Nil(t, pendingDoc(frame))

	select {
	case ev := <-navCh:
		nav, ok := ev.data.(*NavigationEvent)
		require.True(t, ok)
		require.Error(t, nav.err)
		assert.Contains(t, nav.err.Error(), "ERR_ABORTED")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted navigation")
	}
}

func TestFrameManagerLifecycleSubtree(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	main := navigateMainFrame(t, m, sess, "f1", "https://a.test/")
	m.frameAttached(sess, "f2", "f1")

	addCh := make(chan Event)
	main.on(m.ctx, []EventType{EventFrameAddLifecycle}, addCh)

	// The main frame's subtree state only fires once every descendant
	// fired the event too.
	m.frameLifecycleEvent("f1", LifecycleEventLoad)
	assert.True(t, main.hasLifecycleEventFired(LifecycleEventLoad))
	assert.False(t, main.hasSubtreeLifecycleEventFired(LifecycleEventLoad))

	m.frameLifecycleEvent("f2", LifecycleEventLoad)
	require.Eventually(t, func() bool {
		return main.hasSubtreeLifecycleEventFired(LifecycleEventLoad)
	}, time.Second, 10*time.Millisecond)

	select {
	case ev := <-addCh:
		le, ok := ev.data.(FrameLifecycleEvent)
		require.True(t, ok)
		assert.Equal(t, LifecycleEventLoad, le.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
}

func TestFrameManagerExecutionContextWorlds(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	m.onExecutionContextCreated(sess, &cdpruntime.EventExecutionContextCreated{
		Context: &cdpruntime.ExecutionContextDescription{
			ID:      1,
			AuxData: easyjson.RawMessage(`{"frameId":"f1","isDefault":true}`),
		},
	})
	assert.True(t, frame.hasContext(mainWorld))
	assert.False(t, frame.hasContext(utilityWorld))

	m.onExecutionContextCreated(sess, &cdpruntime.EventExecutionContextCreated{
		Context: &cdpruntime.ExecutionContextDescription{
			ID:      2,
			Name:    utilityWorldName,
			AuxData: easyjson.RawMessage(`{"frameId":"f1","isDefault":false,"type":"isolated"}`),
		},
	})
	assert.True(t, frame.hasContext(utilityWorld))

	m.onExecutionContextDestroyed(1)
	assert.False(t, frame.hasContext(mainWorld))
	assert.True(t, frame.hasContext(utilityWorld))

	m.onExecutionContextsCleared(sess)
	assert.False(t, frame.hasContext(utilityWorld))
}

func TestFrameManagerExecutionContextStaleSessionIgnored(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	frame := navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	other := NewSession(m.ctx, m.Session().conn, "other", nil, nil, m.logger)
	m.onExecutionContextCreated(other, &cdpruntime.EventExecutionContextCreated{
		Context: &cdpruntime.ExecutionContextDescription{
			ID:      1,
			AuxData: easyjson.RawMessage(`{"frameId":"f1","isDefault":true}`),
		},
	})
	assert.False(t, frame.hasContext(mainWorld))
}

func TestFrameManagerNavigateFrame(t *testing.T) {
	t.Parallel()

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
	m := NewFrameManager(conn.ctx, sess, p, p.timeoutSettings, p.logger)
	p.frameManager = m
	frame := navigateMainFrame(t, m, sess, "f1", BlankPage)

	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		if msg.Method != cdproto.MethodType(cdppage.CommandNavigate) {
			return emptyReply(msg)
		}
		// Commit the navigation and let the document load after the
		// command reply has been written.
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.frameNavigated(sess, &cdp.Frame{ID: "f1", LoaderID: "ldoc", URL: "https://a.test/"}, false)
			m.frameLifecycleEvent("f1", LifecycleEventLoad)
		}()
		return []cdproto.Message{{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"frameId":"f1","loaderId":"ldoc"}`),
		}}
	})

	resp, err := m.NavigateFrame(context.Background(), frame, "https://a.test/", &NavigationOptions{
		Timeout:   5 * time.Second,
		WaitUntil: LifecycleEventLoad,
	})
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "https://a.test/", frame.URL())
	assert.Equal(t, "ldoc", currentDoc(frame).documentID)
}

func TestFrameManagerNavigateFrameTimeout(t *testing.T) {
	t.Parallel()

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
	m := NewFrameManager(conn.ctx, sess, p, p.timeoutSettings, p.logger)
	p.frameManager = m
	frame := navigateMainFrame(t, m, sess, "f1", BlankPage)

	// The navigation command is acknowledged but the document never
	// commits.
	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		if msg.Method != cdproto.MethodType(cdppage.CommandNavigate) {
			return emptyReply(msg)
		}
		return []cdproto.Message{{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"frameId":"f1","loaderId":"ldoc"}`),
		}}
	})

	_, err := m.NavigateFrame(context.Background(), frame, "https://a.test/", &NavigationOptions{
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
}

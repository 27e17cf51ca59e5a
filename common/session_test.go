package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attachTestSession(t *testing.T, conn *Connection, ft *fakeTransport, id, targetID string) *Session {
	t.Helper()
	ft.deliver(t, attachedToTargetMessage(id, targetID, "page"))
	var sess *Session
	require.Eventually(t, func() bool {
		sess = conn.getSession(target.SessionID(id))
		return sess != nil
	}, time.Second, 10*time.Millisecond)
	return sess
}

func TestSessionExecuteTagsSessionID(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	var sent []*cdproto.Message
	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		sent = append(sent, msg)
		return emptyReply(msg)
	})

	require.NoError(t, sess.Execute(context.Background(), "Page.enable", nil, nil))
	require.Len(t, sent, 1)
	assert.Equal(t, target.SessionID("sess1"), sent[0].SessionID)
	assert.Equal(t, cdproto.MethodType("Page.enable"), sent[0].Method)
}

func TestSessionOwnCommandIDSpace(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess1 := attachTestSession(t, conn, ft, "sess1", "t1")
	sess2 := attachTestSession(t, conn, ft, "sess2", "t2")

	var ids []int64
	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		ids = append(ids, msg.ID)
		return emptyReply(msg)
	})

	require.NoError(t, sess1.Execute(context.Background(), "Page.enable", nil, nil))
	require.NoError(t, sess2.Execute(context.Background(), "Page.enable", nil, nil))

	// Ids are scoped per session, so both sessions start from 1.
	require.Equal(t, []int64{1, 1}, ids)
}

func TestSessionEmitsEvents(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	ch := make(chan Event)
	sess.on(sess.ctx, []EventType{EventType(cdproto.EventPageFrameStartedLoading)}, ch)

	ft.deliver(t, &cdproto.Message{
		SessionID: "sess1",
		Method:    cdproto.EventPageFrameStartedLoading,
		Params:    easyjson.RawMessage(`{"frameId": "f1"}`),
	})

	select {
	case ev := <-ch:
		started, ok := ev.data.(*page.EventFrameStartedLoading)
		require.True(t, ok, "unexpected event payload %T", ev.data)
		assert.Equal(t, cdp.FrameID("f1"), started.FrameID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session event")
	}
}

func TestSessionUnknownEventIgnored(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	// An event the protocol registry doesn't know must not kill the
	// session's read loop.
	ft.deliver(t, &cdproto.Message{
		SessionID: "sess1",
		Method:    "Imaginary.somethingHappened",
		Params:    easyjson.RawMessage(`{}`),
	})

	ft.respond(t, emptyReply)
	require.NoError(t, sess.Execute(context.Background(), "Page.enable", nil, nil))
}

func TestSessionClosedOnStaleSessionError(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	ft.respond(t, func(msg *cdproto.Message) []cdproto.Message {
		return []cdproto.Message{{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Error:     &cdproto.Error{Code: -32001, Message: "No session with given id"},
		}}
	})

	err := sess.Execute(context.Background(), "Page.enable", nil, nil)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return sess.Closed() && conn.getSession("sess1") == nil
	}, time.Second, 10*time.Millisecond)

	err = sess.Execute(context.Background(), "Page.enable", nil, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionExecuteAfterCrash(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	sess.markAsCrashed()
	err := sess.Execute(context.Background(), "Page.enable", nil, nil)
	assert.ErrorIs(t, err, ErrTargetCrashed)
	assert.True(t, sess.Crashed())
	assert.False(t, sess.Closed())
}

func TestSessionChildAttachedToParent(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	parent := attachTestSession(t, conn, ft, "sess1", "t1")

	childCh := make(chan Event)
	parent.on(parent.ctx, []EventType{EventSessionChildAttached}, childCh)

	// An attachment notification arriving on the parent's channel makes
	// the parent the new session's parent.
	child := attachedToTargetMessage("sess2", "t2", "iframe")
	child.SessionID = "sess1"
	ft.deliver(t, child)

	select {
	case ev := <-childCh:
		attachment, ok := ev.data.(*SessionAttachedEvent)
		require.True(t, ok)
		assert.Equal(t, target.SessionID("sess2"), attachment.Session.ID())
		assert.Same(t, parent, attachment.Session.Parent())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for child attachment")
	}
}

func TestSessionCloseRejectsPending(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConnection(t)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Execute(context.Background(), "Page.enable", nil, nil)
	}()
	require.Eventually(t, func() bool {
		return sess.callbacks.pendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	ft.deliver(t, &cdproto.Message{
		Method: cdproto.EventTargetDetachedFromTarget,
		Params: easyjson.RawMessage(`{"sessionId": "sess1"}`),
	})

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending command rejection")
	}
}

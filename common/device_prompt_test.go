package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemux/cdpmux/log"
)

func newTestDevicePromptManager(t *testing.T) (*DevicePromptManager, *fakeTransport, *Session) {
	t.Helper()
	conn, ft := newTestConnection(t)
	ft.respond(t, emptyReply)
	sess := attachTestSession(t, conn, ft, "sess1", "t1")

	ts := NewTimeoutSettings(nil)
	ts.SetDefaultTimeout(time.Second)
	m, err := NewDevicePromptManager(conn.ctx, sess, ts, log.Null)
	require.NoError(t, err)
	return m, ft, sess
}

func devicePromptedMessage(sessionID string) *cdproto.Message {
	return &cdproto.Message{
		Method:    cdproto.EventDeviceAccessDeviceRequestPrompted,
		SessionID: target.SessionID(sessionID),
		Params: easyjson.RawMessage(`{
			"id": "prompt1",
			"devices": [
				{"id": "dev1", "name": "Headset"},
				{"id": "dev2", "name": "Keyboard"}
			]
		}`),
	}
}

func TestWaitForDevicePrompt(t *testing.T) {
	t.Parallel()

	m, ft, _ := newTestDevicePromptManager(t)

	promptCh := make(chan *DevicePrompt, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := m.WaitForDevicePrompt(m.ctx)
		promptCh <- p
		errCh <- err
	}()

	// Give the waiter time to subscribe before the event lands.
	time.Sleep(50 * time.Millisecond)
	ft.deliver(t, devicePromptedMessage("sess1"))

	select {
	case p := <-promptCh:
		require.NoError(t, <-errCh)
		require.NotNil(t, p)
		require.Len(t, p.Devices(), 2)
		assert.Equal(t, "Headset", p.Devices()[0].Name)

		require.NoError(t, p.Select(m.ctx, p.Devices()[0].ID))
		require.NoError(t, p.Cancel(m.ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device prompt")
	}
}

func TestWaitForDevicePromptTimeout(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestDevicePromptManager(t)
	m.timeoutSettings.SetDefaultTimeout(50 * time.Millisecond)

	_, err := m.WaitForDevicePrompt(m.ctx)
	require.Error(t, err)
	var terr *TimeoutError
	assert.ErrorAs(t, err, &terr)
}

func TestWaitForDevicePromptCanceled(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestDevicePromptManager(t)

	ctx, cancel := context.WithCancel(m.ctx)
	cancel()
	_, err := m.WaitForDevicePrompt(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

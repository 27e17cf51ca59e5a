package common

import (
	"testing"
	"time"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageConsoleAPICalled(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	consoleCh := make(chan Event)
	m.page.on(m.ctx, []EventType{EventPageConsoleAPICalled}, consoleCh)

	m.page.onConsoleAPICalled(&cdpruntime.EventConsoleAPICalled{
		Type: cdpruntime.APITypeLog,
		Args: []*cdpruntime.RemoteObject{
			{Type: "string", Value: easyjson.RawMessage(`"hello"`)},
			{Type: "number", Value: easyjson.RawMessage(`42`)},
		},
	})

	select {
	case ev := <-consoleCh:
		msg, ok := ev.data.(*ConsoleMessage)
		require.True(t, ok)
		assert.Equal(t, "log", msg.Type)
		assert.Equal(t, "hello 42", msg.Text)
		assert.Equal(t, []any{"hello", float64(42)}, msg.Args)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for console message")
	}
}

func TestPageExceptionThrown(t *testing.T) {
	t.Parallel()

	m, sess := newTestFrameManager(t)
	navigateMainFrame(t, m, sess, "f1", "https://a.test/")

	errCh := make(chan Event)
	m.page.on(m.ctx, []EventType{EventPageError}, errCh)

	m.page.onExceptionThrown(&cdpruntime.EventExceptionThrown{
		ExceptionDetails: &cdpruntime.ExceptionDetails{
			Text:      "Uncaught",
			Exception: &cdpruntime.RemoteObject{Description: "Error: boom"},
		},
	})

	select {
	case ev := <-errCh:
		err, ok := ev.data.(error)
		require.True(t, ok)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for page error")
	}
}

package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *test.Hook) {
	ll, hook := test.NewNullLogger()
	ll.SetLevel(logrus.DebugLevel)
	return New(ll), hook
}

func TestLoggerCategoryField(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()
	l.Debugf("Connection:recvLoop", "got %d bytes", 42)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "got 42 bytes", entry.Message)
	assert.Equal(t, "Connection:recvLoop", entry.Data["category"])
	assert.Contains(t, entry.Data, "elapsed")
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()
	require.NoError(t, l.SetCategoryFilter("^Session:"))

	l.Debugf("Connection:recvLoop", "dropped")
	l.Debugf("Session:Execute", "kept")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "kept", hook.LastEntry().Message)
}

func TestLoggerInvalidCategoryFilter(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger()
	assert.Error(t, l.SetCategoryFilter("(unclosed"))
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()
	require.NoError(t, l.SetLevel("warning"))
	assert.False(t, l.DebugMode())

	l.Debugf("cat", "suppressed")
	l.Warnf("cat", "emitted")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "emitted", hook.LastEntry().Message)

	assert.Error(t, l.SetLevel("nope"))
}

func TestNullLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l *Logger
	l.Debugf("cat", "no panic on nil")
	Null.Debugf("cat", "discarded")
}

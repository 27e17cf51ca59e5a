package common

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgemux/cdpmux/log"
)

const wsWriteBufferSize = 1 << 20

// Transport is the duplex byte channel between a Connection and the
// browser. Recv yields complete protocol messages in arrival order and is
// closed when the transport goes away; Done is closed at the same time.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Ensure WebSocketTransport implements the Transport interface.
var _ Transport = &WebSocketTransport{}

// WebSocketTransport speaks the protocol over a WebSocket, which is how a
// browser exposes its DevTools endpoint.
type WebSocketTransport struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh chan []byte
	recvCh chan []byte
	done   chan struct{}

	shutdownOnce sync.Once
}

// NewWebSocketTransport dials wsURL and starts the transport's read and
// write loops.
func NewWebSocketTransport(ctx context.Context, wsURL string, logger *log.Logger) (*WebSocketTransport, error) {
	var header http.Header
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing DevTools URL %q: %w", wsURL, err)
	}

	t := &WebSocketTransport{
		ctx:    ctx,
		wsURL:  wsURL,
		logger: logger,
		conn:   conn,
		sendCh: make(chan []byte, 32), // Avoid blocking callers of Send
		recvCh: make(chan []byte),
		done:   make(chan struct{}),
	}

	go t.recvLoop()
	go t.sendLoop()

	return t, nil
}

// Send queues msg for delivery. It returns an error if the transport has
// been closed or ctx is done before the message can be queued.
func (t *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case t.sendCh <- msg:
		return nil
	case <-t.done:
		return fmt.Errorf("writing to %q: %w", t.wsURL, ErrTargetClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel incoming messages are delivered on. The channel
// is closed when the peer disconnects or Close is called.
func (t *WebSocketTransport) Recv() <-chan []byte {
	return t.recvCh
}

// Done returns a channel closed when the transport shuts down.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Close sends a going-away close frame and tears the transport down. Safe
// to call more than once.
func (t *WebSocketTransport) Close() error {
	return t.shutdown(websocket.CloseGoingAway)
}

func (t *WebSocketTransport) shutdown(code int) error {
	var err error
	t.shutdownOnce.Do(func() {
		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		_ = t.conn.Close()
		close(t.done)
	})
	return err
}

func (t *WebSocketTransport) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Errorf("WebSocketTransport", "connection to %q closed abnormally: %v", t.wsURL, err)
	}
	code := websocket.CloseGoingAway
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	_ = t.shutdown(code)
}

func (t *WebSocketTransport) recvLoop() {
	defer close(t.recvCh)
	for {
		_, buf, err := t.conn.ReadMessage()
		if err != nil {
			t.handleIOError(err)
			return
		}
		select {
		case t.recvCh <- buf:
		case <-t.done:
			return
		case <-t.ctx.Done():
			_ = t.shutdown(websocket.CloseGoingAway)
			return
		}
	}
}

func (t *WebSocketTransport) sendLoop() {
	for {
		select {
		case buf := <-t.sendCh:
			writer, err := t.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				t.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				t.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				t.handleIOError(err)
				return
			}
		case <-t.done:
			return
		case <-t.ctx.Done():
			_ = t.shutdown(websocket.CloseGoingAway)
			return
		}
	}
}

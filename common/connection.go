package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/edgemux/cdpmux/log"
)

// Ensure Connection implements the EventEmitter and Executor interfaces.
var _ EventEmitter = &Connection{}
var _ cdp.Executor = &Connection{}

// Connection is the root browser session: a single multiplexed protocol
// channel to the browser process. Messages without a sessionId belong to
// the connection itself; messages carrying one are routed to the matching
// Session. Target attach and detach notifications create and destroy
// sessions before any further traffic for them is routed.
type Connection struct {
	BaseEventEmitter

	ctx             context.Context
	transport       Transport
	logger          *log.Logger
	callbacks       *CallbackRegistry
	timeoutSettings *TimeoutSettings

	done      chan struct{}
	closeOnce sync.Once

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
}

// NewConnection dials the browser's DevTools WebSocket URL and starts
// routing messages.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	t, err := NewWebSocketTransport(ctx, wsURL, logger)
	if err != nil {
		return nil, err
	}
	return NewConnectionWithTransport(ctx, t, logger), nil
}

// NewConnectionWithTransport creates a Connection over an established
// transport.
func NewConnectionWithTransport(ctx context.Context, t Transport, logger *log.Logger) *Connection {
	c := &Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		transport:        t,
		logger:           logger,
		callbacks:        NewCallbackRegistry(),
		timeoutSettings:  NewTimeoutSettings(nil),
		done:             make(chan struct{}),
		sessions:         make(map[target.SessionID]*Session),
	}
	go c.recvLoop()
	return c
}

// TimeoutSettings returns the connection's timeout settings, the root of
// the page and frame timeout chain.
func (c *Connection) TimeoutSettings() *TimeoutSettings {
	return c.timeoutSettings
}

// Done returns a channel closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has shut down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close tears down the connection: the transport is closed, every pending
// command on the connection and all of its sessions fails with
// ErrTargetClosed, and EventConnectionClose fires. Safe to call more than
// once.
func (c *Connection) Close() {
	c.close()
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.logger.Debugf("Connection:close", "closing")
		_ = c.transport.Close()

		c.sessionsMu.Lock()
		for id, s := range c.sessions {
			s.close()
			delete(c.sessions, id)
		}
		c.sessionsMu.Unlock()

		c.callbacks.clear(ErrTargetClosed)
		close(c.done)
		c.emit(EventConnectionClose, nil)
	})
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) closeSession(sessionID target.SessionID) {
	c.sessionsMu.Lock()
	session, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
	if ok {
		session.close()
	}
}

// createSession attaches to the given target and returns the resulting
// session. The attachedToTarget event precedes the command reply on the
// wire, so the session is registered by the time the reply resolves.
func (c *Connection) createSession(info *target.Info) (*Session, error) {
	c.logger.Debugf("Connection:createSession", "tid:%v", info.TargetID)
	action := target.AttachToTarget(info.TargetID).WithFlatten(true)
	sessionID, err := action.Do(cdp.WithExecutor(c.ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %q: %w", info.TargetID, err)
	}
	sess := c.getSession(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("attaching to target %q: %w", info.TargetID, ErrSessionClosed)
	}
	return sess, nil
}

func (c *Connection) recvLoop() {
	recv := c.transport.Recv()
	for {
		select {
		case buf, ok := <-recv:
			if !ok {
				c.close()
				return
			}
			c.onMessage(buf)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) onMessage(buf []byte) {
	c.logger.Tracef("cdp:recv", "<- %s", buf)

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		c.logger.Errorf("cdp", "decoding message: %v", err)
		return
	}

	// Handle attachment and detachment from targets, creating and
	// deleting sessions as necessary, before routing the message.
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		ev, err := cdproto.UnmarshalMessage(&msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		c.onAttachedToTarget(msg.SessionID, ev.(*target.EventAttachedToTarget))
	case cdproto.EventTargetDetachedFromTarget:
		ev, err := cdproto.UnmarshalMessage(&msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		c.onDetachedFromTarget(ev.(*target.EventDetachedFromTarget).SessionID)
	}

	switch {
	case msg.SessionID != "" && (msg.Method != "" || msg.ID != 0):
		session := c.getSession(msg.SessionID)
		if session == nil {
			c.logger.Debugf("cdp", "dropping message for unknown session %q", msg.SessionID)
			return
		}
		if msg.Error != nil && msg.Error.Message == "No session with given id" {
			c.closeSession(session.id)
			return
		}
		select {
		case session.readCh <- &msg:
		case <-session.done:
		case <-c.done:
		}

	case msg.Method != "":
		ev, err := cdproto.UnmarshalMessage(&msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		c.emit(EventType(msg.Method), ev)

	case msg.ID != 0:
		settleReply(c.callbacks, &msg)

	default:
		c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %#v", msg)
	}
}

// SessionAttachedEvent is the payload of EventConnectionSessionAttached.
type SessionAttachedEvent struct {
	Session            *Session
	TargetInfo         *target.Info
	WaitingForDebugger bool
}

// onAttachedToTarget registers a session for the newly attached target.
// A non-empty carrier sessionId means the attachment was initiated by a
// child session's auto-attach, making that session the parent.
func (c *Connection) onAttachedToTarget(carrier target.SessionID, ev *target.EventAttachedToTarget) {
	var parent *Session
	if carrier != "" {
		parent = c.getSession(carrier)
	}

	session := NewSession(c.ctx, c, ev.SessionID, ev.TargetInfo, parent, c.logger)
	c.logger.Debugf("Connection:onAttachedToTarget",
		"sid:%v tid:%v type:%q", ev.SessionID, ev.TargetInfo.TargetID, ev.TargetInfo.Type)

	c.sessionsMu.Lock()
	c.sessions[ev.SessionID] = session
	c.sessionsMu.Unlock()

	attachment := &SessionAttachedEvent{
		Session:            session,
		TargetInfo:         ev.TargetInfo,
		WaitingForDebugger: ev.WaitingForDebugger,
	}
	c.emit(EventConnectionSessionAttached, attachment)
	if parent != nil {
		parent.emit(EventSessionChildAttached, attachment)
	}
}

func (c *Connection) onDetachedFromTarget(sessionID target.SessionID) {
	session := c.getSession(sessionID)
	if session == nil {
		return
	}
	c.logger.Debugf("Connection:onDetachedFromTarget", "sid:%v", sessionID)

	c.emit(EventConnectionSessionDetached, session)
	if session.parent != nil {
		session.parent.emit(EventSessionChildDetached, session)
	}
	c.closeSession(sessionID)
}

// Execute implements cdp.Executor: it performs a synchronous send on the
// root session and waits for the reply.
func (c *Connection) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	c.logger.Debugf("Connection:Execute", "method:%q", method)
	raw, err := c.sendCommand(ctx, c.callbacks, "", method, params)
	if err != nil {
		return err
	}
	if res != nil && len(raw) > 0 {
		return easyjson.Unmarshal(raw, res)
	}
	return nil
}

// sendCommand registers a pending call in the given registry, writes the
// command to the transport and waits for it to settle. Cancellation of
// ctx stops the wait but leaves the call registered; its eventual reply
// is dropped.
func (c *Connection) sendCommand(
	ctx context.Context,
	registry *CallbackRegistry,
	sessionID target.SessionID,
	method string,
	params easyjson.Marshaler,
) (easyjson.RawMessage, error) {
	if c.Closed() {
		return nil, fmt.Errorf("sending %q: %w", method, ErrTargetClosed)
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params of %q: %w", method, err)
	}

	call, err := registry.create(method, c.timeoutSettings.timeout(), func(id int64) error {
		msg := &cdproto.Message{
			ID:        id,
			SessionID: sessionID,
			Method:    cdproto.MethodType(method),
			Params:    rawParams,
		}
		return c.writeMessage(msg)
	})
	if err != nil {
		return nil, err
	}

	return call.await(ctx)
}

// sendCommandWithoutReply writes a command and does not wait for the
// reply. The id is still drawn from the registry so the late reply is
// recognized and dropped.
func (c *Connection) sendCommandWithoutReply(
	registry *CallbackRegistry,
	sessionID target.SessionID,
	method string,
	params easyjson.Marshaler,
) error {
	if c.Closed() {
		return fmt.Errorf("sending %q: %w", method, ErrTargetClosed)
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshaling params of %q: %w", method, err)
	}

	msg := &cdproto.Message{
		ID:        registry.reserveID(),
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    rawParams,
	}
	return c.writeMessage(msg)
}

func (c *Connection) writeMessage(msg *cdproto.Message) error {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	buf, _ := encoder.BuildBytes()

	c.logger.Tracef("cdp:send", "-> %s", buf)
	return c.transport.Send(c.ctx, buf)
}

func marshalParams(params easyjson.Marshaler) (easyjson.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	buf, err := easyjson.Marshal(params)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// settleReply resolves or rejects the pending call matching a reply
// message.
func settleReply(registry *CallbackRegistry, msg *cdproto.Message) {
	if msg.Error != nil {
		registry.reject(msg.ID, newProtocolError(msg))
		return
	}
	registry.resolve(msg.ID, msg.Result)
}

func newProtocolError(msg *cdproto.Message) *ProtocolError {
	pe := &ProtocolError{
		Code:    msg.Error.Code,
		Message: msg.Error.Message,
	}
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if encoder.Error == nil {
		if buf, err := encoder.BuildBytes(); err == nil {
			pe.OriginalMessage = string(buf)
		}
	}
	return pe
}

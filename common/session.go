package common

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/edgemux/cdpmux/log"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var _ EventEmitter = &Session{}
var _ cdp.Executor = &Session{}

// Session is a protocol channel to a single attached target, multiplexed
// over its Connection. Commands sent through a session are tagged with its
// sessionId, and replies and events carrying that sessionId are routed
// back to it. A session owns its own command id space.
type Session struct {
	BaseEventEmitter

	ctx        context.Context
	conn       *Connection
	id         target.SessionID
	targetID   target.ID
	targetType TargetType
	parent     *Session
	callbacks  *CallbackRegistry
	readCh     chan *cdproto.Message
	done       chan struct{}
	logger     *log.Logger

	closedMu sync.RWMutex
	closed   bool
	crashed  bool
}

// NewSession creates a new session and starts its read loop. parent is
// the session whose auto-attach produced this one, or nil when the target
// attached at the connection root.
func NewSession(
	ctx context.Context, conn *Connection, id target.SessionID,
	info *target.Info, parent *Session, logger *log.Logger,
) *Session {
	s := &Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		parent:           parent,
		callbacks:        NewCallbackRegistry(),
		readCh:           make(chan *cdproto.Message),
		done:             make(chan struct{}),
		logger:           logger,
	}
	if info != nil {
		s.targetID = info.TargetID
		s.targetType = toTargetType(info.Type)
	}
	go s.readLoop()
	return s
}

// ID returns the protocol session id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the target this session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// TargetType returns the type of the target this session is attached to.
func (s *Session) TargetType() TargetType { return s.targetType }

// Parent returns the session whose auto-attach produced this one, or nil.
func (s *Session) Parent() *Session { return s.parent }

// Done returns a channel closed when the session detaches.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has detached.
func (s *Session) Closed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Crashed reports whether the target behind this session crashed.
func (s *Session) Crashed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.crashed
}

func (s *Session) markAsCrashed() {
	s.logger.Debugf("Session:markAsCrashed", "sid:%v", s.id)
	s.closedMu.Lock()
	s.crashed = true
	s.closedMu.Unlock()
}

// close marks the session closed, fails its pending commands and emits
// EventSessionClosed. Idempotent.
func (s *Session) close() {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return
	}
	s.closed = true
	s.closedMu.Unlock()

	s.logger.Debugf("Session:close", "sid:%v tid:%v", s.id, s.targetID)
	s.callbacks.clear(ErrSessionClosed)
	close(s.done)
	s.emit(EventSessionClosed, nil)
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case msg := <-s.readCh:
			if msg.ID != 0 && msg.Method == "" {
				settleReply(s.callbacks, msg)
				continue
			}
			if msg.Method == "" {
				continue
			}
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if errors.Is(err, cdp.ErrUnknownCommandOrEvent("")) {
					s.logger.Debugf("Session:readLoop",
						"sid:%v unknown event %q", s.id, msg.Method)
					continue
				}
				s.logger.Errorf("Session:readLoop", "sid:%v err:%v", s.id, err)
				continue
			}
			s.emit(EventType(msg.Method), ev)
		}
	}
}

// Execute implements cdp.Executor: it sends the command on this session
// and waits for the reply. Canceling ctx stops the wait without forgetting
// the command; the late reply is dropped when it arrives.
func (s *Session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	s.logger.Debugf("Session:Execute", "sid:%v method:%q", s.id, method)
	if s.Crashed() {
		return fmt.Errorf("sending %q to session %q: %w", method, s.id, ErrTargetCrashed)
	}
	if s.Closed() {
		return fmt.Errorf("sending %q to session %q: %w", method, s.id, ErrSessionClosed)
	}

	// Canceling the session's read loop must abort the command too.
	raw, err := s.conn.sendCommand(contextWithDoneChan(ctx, s.done), s.callbacks, s.id, method, params)
	if err != nil {
		return err
	}
	if res != nil && len(raw) > 0 {
		return easyjson.Unmarshal(raw, res)
	}
	return nil
}

// ExecuteWithoutExpectationOnReply sends the command on this session
// without waiting for the browser's reply.
func (s *Session) ExecuteWithoutExpectationOnReply(
	_ context.Context, method string, params easyjson.Marshaler, _ easyjson.Unmarshaler,
) error {
	s.logger.Debugf("Session:ExecuteWithoutExpectationOnReply", "sid:%v method:%q", s.id, method)
	if s.Crashed() {
		return fmt.Errorf("sending %q to session %q: %w", method, s.id, ErrTargetCrashed)
	}
	if s.Closed() {
		return fmt.Errorf("sending %q to session %q: %w", method, s.id, ErrSessionClosed)
	}
	return s.conn.sendCommandWithoutReply(s.callbacks, s.id, method, params)
}

// Detach detaches the session from its target. The command goes through
// the parent channel, mirroring how the attachment was created.
func (s *Session) Detach(ctx context.Context) error {
	if s.Closed() {
		return fmt.Errorf("detaching session %q: %w", s.id, ErrSessionClosed)
	}
	executor := cdp.Executor(s.conn)
	if s.parent != nil {
		executor = s.parent
	}
	action := target.DetachFromTarget().WithSessionID(s.id)
	if err := action.Do(cdp.WithExecutor(ctx, executor)); err != nil {
		return fmt.Errorf("detaching session %q: %w", s.id, err)
	}
	return nil
}

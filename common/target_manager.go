package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/edgemux/cdpmux/log"
)

// TargetFilterFunc decides whether an attached target is exposed to
// consumers. A nil filter exposes everything.
type TargetFilterFunc func(info *target.Info) bool

// TargetChangedEvent is the payload of EventTargetManagerChanged.
type TargetChangedEvent struct {
	Target      *Target
	PreviousURL string
}

// TargetManager tracks the targets the browser knows about and keeps
// sessions attached to the interesting ones. Pages are attached
// explicitly on discovery; everything else arrives through the browser's
// auto-attach. A target is announced with EventTargetManagerAvailable
// exactly once, after its session is set up, and with
// EventTargetManagerGone when it goes away.
type TargetManager struct {
	BaseEventEmitter

	ctx    context.Context
	conn   *Connection
	logger *log.Logger
	filter TargetFilterFunc

	mu              sync.RWMutex
	discovered      map[target.ID]*target.Info
	attached        map[target.ID]*Target
	sessionToTarget map[target.SessionID]target.ID
	attaching       map[target.ID]struct{}
	ignored         map[target.ID]struct{}

	initMu      sync.Mutex
	pendingInit map[target.ID]struct{}
	initStarted bool
	initialized bool
	initDone    chan struct{}

	eventCh chan Event
}

// NewTargetManager creates a target manager on the given connection and
// starts processing target events. Call Initialize to populate it with
// the targets that already exist.
func NewTargetManager(
	ctx context.Context, conn *Connection, filter TargetFilterFunc, logger *log.Logger,
) *TargetManager {
	m := &TargetManager{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		logger:           logger,
		filter:           filter,
		discovered:       make(map[target.ID]*target.Info),
		attached:         make(map[target.ID]*Target),
		sessionToTarget:  make(map[target.SessionID]target.ID),
		attaching:        make(map[target.ID]struct{}),
		ignored:          make(map[target.ID]struct{}),
		pendingInit:      make(map[target.ID]struct{}),
		initDone:         make(chan struct{}),
		eventCh:          make(chan Event),
	}

	m.conn.on(ctx, []EventType{
		EventConnectionSessionAttached,
		EventConnectionSessionDetached,
		EventType(cdproto.EventTargetTargetCreated),
		EventType(cdproto.EventTargetTargetDestroyed),
		EventType(cdproto.EventTargetTargetInfoChanged),
		EventConnectionClose,
	}, m.eventCh)
	go m.handleEvents()

	return m
}

// Initialize turns on target discovery and auto-attach, attaches to the
// pages that already exist and waits until each of them has either been
// announced, been filtered out or gone away.
func (m *TargetManager) Initialize(ctx context.Context) error {
	execCtx := cdp.WithExecutor(m.ctx, m.conn)

	if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}

	// Pages attach explicitly below so that attach failures surface;
	// everything else rides the browser's auto-attach. Targets pause on
	// attach and are resumed once their session is set up.
	autoAttach := target.SetAutoAttach(true, true).
		WithFlatten(true).
		WithFilter(target.Filter{
			{Type: "page", Exclude: true},
			{Type: "tab", Exclude: true},
			{},
		})
	if err := autoAttach.Do(execCtx); err != nil {
		return fmt.Errorf("enabling auto-attach: %w", err)
	}

	infos, err := target.GetTargets().Do(execCtx)
	if err != nil {
		return fmt.Errorf("listing targets: %w", err)
	}

	for _, info := range infos {
		m.mu.Lock()
		m.discovered[info.TargetID] = info
		m.mu.Unlock()
		if !m.gatesInitialization(info) {
			continue
		}
		m.initMu.Lock()
		m.pendingInit[info.TargetID] = struct{}{}
		m.initMu.Unlock()
		go m.attachToPage(info)
	}

	m.initMu.Lock()
	m.initStarted = true
	if len(m.pendingInit) == 0 && !m.initialized {
		m.initialized = true
		close(m.initDone)
	}
	m.initMu.Unlock()

	select {
	case <-m.initDone:
		return nil
	case <-m.conn.Done():
		return fmt.Errorf("initializing targets: %w", ErrTargetClosed)
	case <-ctx.Done():
		return fmt.Errorf("initializing targets: %w", ctx.Err())
	}
}

// gatesInitialization reports whether Initialize must wait for the given
// pre-existing target before returning. Only exposed pages gate it:
// worker attachments trickle in asynchronously.
func (m *TargetManager) gatesInitialization(info *target.Info) bool {
	if toTargetType(info.Type) != TargetTypePage {
		return false
	}
	m.mu.RLock()
	_, alreadyAttached := m.attached[info.TargetID]
	_, isIgnored := m.ignored[info.TargetID]
	m.mu.RUnlock()
	if alreadyAttached || isIgnored {
		return false
	}
	return m.filter == nil || m.filter(info)
}

// Targets returns the attached targets that completed initialization.
func (m *TargetManager) Targets() []*Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Target, 0, len(m.attached))
	for _, t := range m.attached {
		if t.initialized() {
			out = append(out, t)
		}
	}
	return out
}

// TargetByID returns the attached target with the given id.
func (m *TargetManager) TargetByID(id target.ID) (*Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.attached[id]
	return t, ok
}

// DiscoveredTargets returns the protocol descriptions of every target the
// browser has reported, attached or not.
func (m *TargetManager) DiscoveredTargets() []*target.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*target.Info, 0, len(m.discovered))
	for _, info := range m.discovered {
		out = append(out, info)
	}
	return out
}

func (m *TargetManager) handleEvents() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventCh:
			switch ev := event.data.(type) {
			case *SessionAttachedEvent:
				if event.typ == EventConnectionSessionAttached {
					m.onSessionAttached(ev)
				}
			case *Session:
				if event.typ == EventConnectionSessionDetached {
					m.onSessionDetached(ev)
				}
			case *target.EventTargetCreated:
				m.onTargetCreated(ev)
			case *target.EventTargetDestroyed:
				m.onTargetDestroyed(ev)
			case *target.EventTargetInfoChanged:
				m.onTargetInfoChanged(ev)
			case nil:
				if event.typ == EventConnectionClose {
					m.onConnectionClose()
					return
				}
			}
		}
	}
}

func (m *TargetManager) onSessionAttached(ev *SessionAttachedEvent) {
	info, sess := ev.TargetInfo, ev.Session
	id := info.TargetID
	m.logger.Debugf("TargetManager:onSessionAttached",
		"tid:%v sid:%v type:%q", id, sess.ID(), info.Type)

	if m.filter != nil && !m.filter(info) {
		m.mu.Lock()
		m.ignored[id] = struct{}{}
		m.mu.Unlock()
		go m.silentDetach(sess, ev.WaitingForDebugger)
		m.finishInit(id)
		return
	}

	if toTargetType(info.Type) == TargetTypeServiceWorker {
		m.onServiceWorkerAttached(ev)
		return
	}

	m.mu.Lock()
	if existing := m.attached[id]; existing != nil {
		// A second session to a known target. Track it, but the target
		// has been announced already.
		m.sessionToTarget[sess.ID()] = id
		m.mu.Unlock()
		if ev.WaitingForDebugger {
			m.resume(sess)
		}
		return
	}
	t := NewTarget(info, sess)
	m.attached[id] = t
	m.sessionToTarget[sess.ID()] = id
	m.discovered[id] = info
	var parentTarget *Target
	if p := sess.Parent(); p != nil {
		if pid, ok := m.sessionToTarget[p.ID()]; ok {
			parentTarget = m.attached[pid]
		}
	}
	m.mu.Unlock()

	if parentTarget != nil {
		parentTarget.addChild(t)
	}
	if ev.WaitingForDebugger {
		m.resume(sess)
	}
	if t.markInitialized() {
		m.emit(EventTargetManagerAvailable, t)
	}
	m.finishInit(id)
}

// onServiceWorkerAttached announces a service worker without holding on
// to its session: the worker is resumed and the session silently
// detached.
func (m *TargetManager) onServiceWorkerAttached(ev *SessionAttachedEvent) {
	info := ev.TargetInfo
	id := info.TargetID

	m.mu.Lock()
	t := m.attached[id]
	fresh := t == nil
	if fresh {
		t = NewTarget(info, nil)
		m.attached[id] = t
		m.discovered[id] = info
	}
	m.mu.Unlock()

	go m.silentDetach(ev.Session, ev.WaitingForDebugger)

	if fresh && t.markInitialized() {
		m.emit(EventTargetManagerAvailable, t)
	}
	m.finishInit(id)
}

func (m *TargetManager) onSessionDetached(s *Session) {
	m.mu.Lock()
	id, ok := m.sessionToTarget[s.ID()]
	delete(m.sessionToTarget, s.ID())
	var t *Target
	if ok {
		if cand := m.attached[id]; cand != nil && cand.Session() == s {
			t = cand
			delete(m.attached, id)
		}
	}
	m.mu.Unlock()
	if t == nil {
		return
	}
	m.logger.Debugf("TargetManager:onSessionDetached", "tid:%v sid:%v", id, s.ID())

	if p := t.Parent(); p != nil {
		p.removeChild(id)
	}
	if t.abortInitialization() {
		// Never announced, so nothing to revoke.
		m.finishInit(id)
		return
	}
	m.emit(EventTargetManagerGone, t)
	m.finishInit(id)
}

func (m *TargetManager) onTargetCreated(ev *target.EventTargetCreated) {
	info := ev.TargetInfo
	m.mu.Lock()
	m.discovered[info.TargetID] = info
	m.mu.Unlock()

	m.emit(EventTargetManagerDiscovered, info)

	if toTargetType(info.Type) != TargetTypePage || info.Attached {
		return
	}
	if m.filter != nil && !m.filter(info) {
		return
	}
	go m.attachToPage(info)
}

func (m *TargetManager) onTargetDestroyed(ev *target.EventTargetDestroyed) {
	id := ev.TargetID
	m.mu.Lock()
	delete(m.discovered, id)
	t := m.attached[id]
	if t != nil {
		delete(m.attached, id)
		if s := t.Session(); s != nil {
			delete(m.sessionToTarget, s.ID())
		}
	}
	m.mu.Unlock()
	if t == nil {
		m.finishInit(id)
		return
	}

	if p := t.Parent(); p != nil {
		p.removeChild(id)
	}
	if !t.abortInitialization() {
		m.emit(EventTargetManagerGone, t)
	}
	m.finishInit(id)
}

func (m *TargetManager) onTargetInfoChanged(ev *target.EventTargetInfoChanged) {
	info := ev.TargetInfo
	id := info.TargetID

	m.mu.Lock()
	prev := m.discovered[id]
	m.discovered[id] = info
	t := m.attached[id]
	m.mu.Unlock()

	// A prerendered target losing its subtype has been activated: it now
	// serves the frame tree of its initiator. The initiator's session
	// must learn about the swap before consumers observe the target.
	if prev != nil && prev.Subtype == "prerender" && info.Subtype != "prerender" && t != nil {
		if s := t.Session(); s != nil && s.Parent() != nil {
			s.Parent().emit(EventSessionTargetSwapped, s)
		}
	}

	if t == nil {
		return
	}
	prevURL := t.URL()
	t.setInfo(info)
	if t.initialized() && prevURL != info.URL {
		m.emit(EventTargetManagerChanged, &TargetChangedEvent{Target: t, PreviousURL: prevURL})
	}
}

func (m *TargetManager) onConnectionClose() {
	m.mu.Lock()
	attached := m.attached
	m.attached = make(map[target.ID]*Target)
	m.sessionToTarget = make(map[target.SessionID]target.ID)
	m.mu.Unlock()

	for id, t := range attached {
		if !t.abortInitialization() {
			m.emit(EventTargetManagerGone, t)
		}
		m.finishInit(id)
	}

	// Unblock a concurrent Initialize.
	m.initMu.Lock()
	if !m.initialized {
		m.initialized = true
		close(m.initDone)
	}
	m.initMu.Unlock()
}

// attachToPage attaches explicitly to a page target. The resulting
// attachedToTarget notification flows back through onSessionAttached.
func (m *TargetManager) attachToPage(info *target.Info) {
	id := info.TargetID

	m.mu.Lock()
	_, busy := m.attaching[id]
	_, already := m.attached[id]
	if busy || already {
		m.mu.Unlock()
		return
	}
	m.attaching[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.attaching, id)
		m.mu.Unlock()
	}()

	if _, err := m.conn.createSession(info); err != nil {
		if !m.conn.Closed() {
			m.logger.Warnf("TargetManager:attachToPage", "tid:%v err:%v", id, err)
		}
		m.finishInit(id)
	}
}

func (m *TargetManager) resume(s *Session) {
	go func() {
		err := s.ExecuteWithoutExpectationOnReply(
			m.ctx, cdproto.CommandRuntimeRunIfWaitingForDebugger, nil, nil)
		if err != nil {
			m.logger.Debugf("TargetManager:resume", "sid:%v err:%v", s.ID(), err)
		}
	}()
}

// silentDetach resumes a paused target and detaches from it, logging
// rather than surfacing failures.
func (m *TargetManager) silentDetach(s *Session, waiting bool) {
	if waiting {
		err := s.ExecuteWithoutExpectationOnReply(
			m.ctx, cdproto.CommandRuntimeRunIfWaitingForDebugger, nil, nil)
		if err != nil {
			m.logger.Debugf("TargetManager:silentDetach", "sid:%v err:%v", s.ID(), err)
		}
	}
	if err := s.Detach(m.ctx); err != nil {
		m.logger.Debugf("TargetManager:silentDetach", "sid:%v err:%v", s.ID(), err)
	}
}

func (m *TargetManager) finishInit(id target.ID) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized {
		return
	}
	delete(m.pendingInit, id)
	if m.initStarted && len(m.pendingInit) == 0 {
		m.initialized = true
		close(m.initDone)
	}
}

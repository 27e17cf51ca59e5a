package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/edgemux/cdpmux/log"
)

// utilityWorldName is the name under which the isolated utility world is
// created in every frame.
const utilityWorldName = "__cdpmux_utility_world__"

// BlankPage is the URL of an empty page.
const BlankPage = "about:blank"

// frameSwapWaitTimeout bounds how long a disconnecting page session waits
// for its main frame to be adopted by another session (prerender
// activation) before tearing the frame tree down.
const frameSwapWaitTimeout = 100 * time.Millisecond

var frameManagerID int64

// FrameManager maintains the frame tree of one page across the protocol
// sessions that serve it: the page's own session plus one per
// out-of-process iframe. Events observed on a freshly attached session are
// queued until that session's frame tree snapshot has been applied, so
// the snapshot never loses against the live stream.
type FrameManager struct {
	ctx             context.Context
	page            *Page
	frameTree       *FrameTree
	timeoutSettings *TimeoutSettings
	logger          *log.Logger

	sessionMu sync.RWMutex
	session   *Session

	// navigatedWhileSnapshot records frames whose live frameNavigated
	// event arrived while a snapshot was being fetched. The snapshot
	// replay skips them: the queued live event is newer.
	navigatedMu            sync.Mutex
	navigatedWhileSnapshot map[cdp.FrameID]struct{}

	contextsMu sync.Mutex
	contexts   map[cdpruntime.ExecutionContextID]*ExecutionContext

	isolatedWorldsMu sync.Mutex
	isolatedWorlds   map[string]bool

	barriersMu sync.RWMutex
	barriers   []*Barrier

	// Unique ID of this FrameManager, used in logs.
	id int64
}

// NewFrameManager creates a frame manager for the page served by session.
func NewFrameManager(
	ctx context.Context, session *Session, page *Page,
	timeoutSettings *TimeoutSettings, logger *log.Logger,
) *FrameManager {
	m := &FrameManager{
		ctx:                    ctx,
		session:                session,
		page:                   page,
		frameTree:              NewFrameTree(),
		timeoutSettings:        timeoutSettings,
		logger:                 logger,
		navigatedWhileSnapshot: make(map[cdp.FrameID]struct{}),
		contexts:               make(map[cdpruntime.ExecutionContextID]*ExecutionContext),
		isolatedWorlds:         make(map[string]bool),
		id:                     atomic.AddInt64(&frameManagerID, 1),
	}
	m.logger.Debugf("NewFrameManager", "fmid:%d sid:%v", m.id, session.ID())
	return m
}

// ID returns the unique ID of this frame manager.
func (m *FrameManager) ID() int64 { return m.id }

// Session returns the page's current main session.
func (m *FrameManager) Session() *Session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.session
}

// Page returns the page this frame manager belongs to.
func (m *FrameManager) Page() *Page { return m.page }

// MainFrame returns the page's top frame.
func (m *FrameManager) MainFrame() *Frame {
	return m.frameTree.MainFrame()
}

// MainFrameURL returns the URL of the page's top frame.
func (m *FrameManager) MainFrameURL() string {
	if mf := m.frameTree.MainFrame(); mf != nil {
		return mf.URL()
	}
	return ""
}

// Frames returns all frames of the page.
func (m *FrameManager) Frames() []*Frame {
	return m.frameTree.Frames()
}

// getFrameByID finds a frame by id. If found, it returns the frame and
// true, otherwise nil and false.
func (m *FrameManager) getFrameByID(id cdp.FrameID) (*Frame, bool) {
	return m.frameTree.GetByID(id)
}

func (m *FrameManager) addBarrier(b *Barrier) {
	m.barriersMu.Lock()
	m.barriers = append(m.barriers, b)
	m.barriersMu.Unlock()
}

func (m *FrameManager) removeBarrier(b *Barrier) {
	m.barriersMu.Lock()
	for i, bb := range m.barriers {
		if bb == b {
			m.barriers = append(m.barriers[:i], m.barriers[i+1:]...)
			break
		}
	}
	m.barriersMu.Unlock()
}

// initialize sets up the page's main session: protocol domains, the frame
// tree snapshot and the isolated utility world.
func (m *FrameManager) initialize(apiCtx context.Context) error {
	return m.initSession(apiCtx, m.Session(), true)
}

// initSession sets up one session serving (a subtree of) the page. Frame
// events from the session are queued until its getFrameTree snapshot has
// been applied, then replayed in order.
func (m *FrameManager) initSession(apiCtx context.Context, session *Session, isMain bool) error {
	m.logger.Debugf("FrameManager:initSession",
		"fmid:%d sid:%v main:%t", m.id, session.ID(), isMain)

	// Recordings from a previous session's snapshot must not suppress
	// navigations during this one.
	m.navigatedMu.Lock()
	m.navigatedWhileSnapshot = make(map[cdp.FrameID]struct{})
	m.navigatedMu.Unlock()

	treeHandled := make(chan struct{})
	m.startEventLoop(session, isMain, treeHandled)

	execCtx := cdp.WithExecutor(apiCtx, session)

	if err := cdppage.Enable().Do(execCtx); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}

	frameTree, err := cdppage.GetFrameTree().Do(execCtx)
	if err != nil {
		return fmt.Errorf("getting page frame tree: %w", err)
	}
	if frameTree == nil {
		return fmt.Errorf("got a nil page frame tree")
	}
	m.handleFrameTree(session, frameTree, isMain)
	close(treeHandled)

	if err := cdppage.SetLifecycleEventsEnabled(true).Do(execCtx); err != nil {
		return fmt.Errorf("enabling page lifecycle events: %w", err)
	}
	if err := cdpruntime.Enable().Do(execCtx); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := m.initIsolatedWorld(apiCtx, session, utilityWorldName); err != nil {
		return err
	}
	if nm := m.page.networkManager; nm != nil {
		if err := nm.initSession(apiCtx, session); err != nil {
			return err
		}
	}

	// Pick up workers and out-of-process iframes nested under this
	// session.
	autoAttach := target.SetAutoAttach(true, true).WithFlatten(true)
	if err := autoAttach.Do(execCtx); err != nil {
		return fmt.Errorf("enabling auto-attach: %w", err)
	}

	return nil
}

// initIsolatedWorld creates the named isolated world in every known frame
// of the session and arranges for future documents to get one too.
func (m *FrameManager) initIsolatedWorld(apiCtx context.Context, session *Session, name string) error {
	m.isolatedWorldsMu.Lock()
	if m.isolatedWorlds[name] {
		m.isolatedWorldsMu.Unlock()
		return nil
	}
	m.isolatedWorlds[name] = true
	m.isolatedWorldsMu.Unlock()

	action := cdppage.AddScriptToEvaluateOnNewDocument(`//# sourceURL=` + evaluationScriptURL).
		WithWorldName(name)
	if _, err := action.Do(cdp.WithExecutor(apiCtx, session)); err != nil {
		return fmt.Errorf("adding script to evaluate on new document: %w", err)
	}

	for _, frame := range m.Frames() {
		// A frame could be removed before this executes, so don't wait
		// around for a reply.
		_ = session.ExecuteWithoutExpectationOnReply(
			apiCtx,
			cdppage.CommandCreateIsolatedWorld,
			&cdppage.CreateIsolatedWorldParams{
				FrameID:             frame.ID(),
				WorldName:           name,
				GrantUniveralAccess: true,
			},
			nil)
	}
	return nil
}

func (m *FrameManager) startEventLoop(session *Session, isMain bool, treeHandled chan struct{}) {
	eventCh := make(chan Event)
	evCtx, evCancel := context.WithCancel(m.ctx)
	session.on(evCtx, []EventType{
		EventType(cdproto.EventPageFrameAttached),
		EventType(cdproto.EventPageFrameDetached),
		EventType(cdproto.EventPageFrameNavigated),
		EventType(cdproto.EventPageNavigatedWithinDocument),
		EventType(cdproto.EventPageFrameStartedLoading),
		EventType(cdproto.EventPageFrameStoppedLoading),
		EventType(cdproto.EventPageFrameRequestedNavigation),
		EventType(cdproto.EventPageLifecycleEvent),
		EventType(cdproto.EventRuntimeExecutionContextCreated),
		EventType(cdproto.EventRuntimeExecutionContextDestroyed),
		EventType(cdproto.EventRuntimeExecutionContextsCleared),
		EventType(cdproto.EventRuntimeConsoleAPICalled),
		EventType(cdproto.EventRuntimeExceptionThrown),
		EventType(cdproto.EventInspectorTargetCrashed),
		EventSessionChildAttached,
		EventSessionTargetSwapped,
	}, eventCh)

	go func() {
		defer evCancel()
		for {
			select {
			case <-evCtx.Done():
				return
			case <-session.Done():
				if isMain {
					m.onClientDisconnect()
				}
				return
			case event := <-eventCh:
				if ev, ok := event.data.(*cdppage.EventFrameNavigated); ok {
					// A live navigation that beats the snapshot replay
					// wins over the snapshot's stale entry.
					select {
					case <-treeHandled:
					default:
						m.recordNavigatedWhileSnapshot(ev.Frame.ID)
					}
				}
				select {
				case <-treeHandled:
				case <-evCtx.Done():
					return
				case <-session.Done():
					if isMain {
						m.onClientDisconnect()
					}
					return
				}
				m.handleEvent(session, event)
			}
		}
	}()
}

func (m *FrameManager) recordNavigatedWhileSnapshot(id cdp.FrameID) {
	m.navigatedMu.Lock()
	m.navigatedWhileSnapshot[id] = struct{}{}
	m.navigatedMu.Unlock()
}

func (m *FrameManager) navigatedWhileSnapshotHandled(id cdp.FrameID) bool {
	m.navigatedMu.Lock()
	defer m.navigatedMu.Unlock()
	if _, ok := m.navigatedWhileSnapshot[id]; ok {
		delete(m.navigatedWhileSnapshot, id)
		return true
	}
	return false
}

// handleFrameTree recursively applies a getFrameTree snapshot, attaching
// and navigating the frames it describes. Frames with a newer live
// navigation queued are left for the replay.
func (m *FrameManager) handleFrameTree(session *Session, tree *cdppage.FrameTree, initialFrame bool) {
	m.logger.Debugf("FrameManager:handleFrameTree",
		"fmid:%d fid:%v sid:%v", m.id, tree.Frame.ID, session.ID())

	if tree.Frame.ParentID != "" {
		m.frameAttached(session, tree.Frame.ID, tree.Frame.ParentID)
	}
	if !m.navigatedWhileSnapshotHandled(tree.Frame.ID) {
		m.frameNavigated(session, tree.Frame, initialFrame)
	}
	for _, child := range tree.ChildFrames {
		m.handleFrameTree(session, child, initialFrame)
	}
}

func (m *FrameManager) handleEvent(session *Session, event Event) {
	switch ev := event.data.(type) {
	case *cdppage.EventFrameAttached:
		m.frameAttached(session, ev.FrameID, ev.ParentFrameID)
	case *cdppage.EventFrameDetached:
		m.frameDetached(session, ev.FrameID, ev.Reason)
	case *cdppage.EventFrameNavigated:
		m.frameNavigated(session, ev.Frame, false)
	case *cdppage.EventNavigatedWithinDocument:
		m.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
	case *cdppage.EventFrameStartedLoading:
		m.frameLoadingStarted(ev.FrameID)
	case *cdppage.EventFrameStoppedLoading:
		m.frameLoadingStopped(ev.FrameID)
	case *cdppage.EventFrameRequestedNavigation:
		m.frameRequestedNavigation(ev.FrameID, ev.URL, "")
	case *cdppage.EventLifecycleEvent:
		m.onPageLifecycle(ev)
	case *cdpruntime.EventExecutionContextCreated:
		m.onExecutionContextCreated(session, ev)
	case *cdpruntime.EventExecutionContextDestroyed:
		m.onExecutionContextDestroyed(ev.ExecutionContextID)
	case *cdpruntime.EventExecutionContextsCleared:
		m.onExecutionContextsCleared(session)
	case *cdpruntime.EventConsoleAPICalled:
		m.page.onConsoleAPICalled(ev)
	case *cdpruntime.EventExceptionThrown:
		m.page.onExceptionThrown(ev)
	case *inspector.EventTargetCrashed:
		m.onTargetCrashed(session)
	case *SessionAttachedEvent:
		m.onChildSessionAttached(ev)
	case *Session:
		if event.typ == EventSessionTargetSwapped {
			m.onTargetActivated(ev)
		}
	}
}

// onChildSessionAttached folds an out-of-process iframe's session into
// the page's frame tree. Worker attachments are tracked at the connection
// level and need nothing here.
func (m *FrameManager) onChildSessionAttached(ev *SessionAttachedEvent) {
	if toTargetType(ev.TargetInfo.Type) != TargetTypeIFrame {
		return
	}
	go func() {
		if err := m.initSession(m.ctx, ev.Session, false); err != nil {
			m.logger.Errorf("FrameManager:onChildSessionAttached",
				"fmid:%d sid:%v err:%v", m.id, ev.Session.ID(), err)
		}
	}()
}

// onTargetActivated swaps the page over to the session of an activated
// prerender target.
func (m *FrameManager) onTargetActivated(newSession *Session) {
	go func() {
		if err := m.swapSession(m.ctx, newSession); err != nil {
			m.logger.Errorf("FrameManager:onTargetActivated",
				"fmid:%d sid:%v err:%v", m.id, newSession.ID(), err)
		}
	}()
}

// swapSession rebinds the page's main frame to a new session and
// re-initializes frame state from it. The main frame object keeps its
// identity.
func (m *FrameManager) swapSession(apiCtx context.Context, s *Session) error {
	m.logger.Debugf("FrameManager:swapSession", "fmid:%d sid:%v", m.id, s.ID())

	m.sessionMu.Lock()
	m.session = s
	m.sessionMu.Unlock()

	if main := m.frameTree.MainFrame(); main != nil {
		main.setSession(s)
		main.emit(EventFrameSwappedByActivation, nil)
	}
	return m.initSession(apiCtx, s, true)
}

// onClientDisconnect handles the page's session going away. Child frames
// are torn down immediately; the main frame lingers briefly in case
// another session adopts it (prerender activation), and is torn down too
// when none does.
func (m *FrameManager) onClientDisconnect() {
	if m.page.IsClosed() {
		return
	}
	main := m.frameTree.MainFrame()
	if main == nil {
		return
	}
	m.logger.Debugf("FrameManager:onClientDisconnect", "fmid:%d", m.id)

	for _, child := range main.ChildFrames() {
		m.removeFramesRecursively(child)
	}

	swappedCh, cancel := createWaitForEventHandler(
		m.ctx, main, []EventType{EventFrameSwappedByActivation}, nil)
	defer cancel(nil)

	select {
	case <-swappedCh:
	case <-time.After(frameSwapWaitTimeout):
		// No session adopted the main frame; the page is gone.
		m.removeFramesRecursively(main)
		m.page.didClose()
	case <-m.ctx.Done():
	}
}

func (m *FrameManager) frameAttached(session *Session, frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached",
		"fmid:%d fid:%v pfid:%v", m.id, frameID, parentFrameID)

	if frame, ok := m.frameTree.GetByID(frameID); ok {
		// The frame moved into this session (out-of-process iframe
		// swap-in). Keep the object, rebind its client.
		frame.setSession(session)
		return
	}
	parentFrame, ok := m.frameTree.GetByID(parentFrameID)
	if !ok {
		return
	}
	frame := NewFrame(m.ctx, m, parentFrame, frameID, session, m.logger)
	m.frameTree.AddFrame(frame)
	parentFrame.addChildFrame(frame)
	m.page.emit(EventPageFrameAttached, frame)
}

func (m *FrameManager) frameDetached(session *Session, frameID cdp.FrameID, reason cdppage.FrameDetachedReason) {
	m.logger.Debugf("FrameManager:frameDetached",
		"fmid:%d fid:%v reason:%s", m.id, frameID, reason)

	frame, ok := m.frameTree.GetByID(frameID)
	if !ok {
		return
	}
	// An out-of-process iframe is detached from the session it left;
	// only its current session gets to remove it.
	if fs := frame.Session(); fs != nil && fs.ID() != session.ID() {
		return
	}

	switch reason {
	case cdppage.FrameDetachedReasonSwap:
		// The frame moved to another process. The object stays, still
		// referenced by the incoming remote frame; only its children go.
		m.removeChildFramesRecursively(frame)
		frame.emit(EventFrameSwappedByActivation, nil)
		m.page.emit(EventPageFrameSwapped, frame)
	case cdppage.FrameDetachedReasonRemove:
		m.removeFramesRecursively(frame)
	default:
		m.logger.Debugf("FrameManager:frameDetached",
			"fmid:%d fid:%v unknown reason %q", m.id, frameID, reason)
	}
}

func (m *FrameManager) frameNavigated(session *Session, payload *cdp.Frame, initial bool) {
	var (
		frameID       = payload.ID
		parentFrameID = payload.ParentID
		documentID    = string(payload.LoaderID)
		name          = payload.Name
		url           = payload.URL + payload.URLFragment
	)
	m.logger.Debugf("FrameManager:frameNavigated",
		"fmid:%d fid:%v pfid:%v docid:%s furl:%s initial:%t",
		m.id, frameID, parentFrameID, documentID, url, initial)

	isMainFrame := parentFrameID == ""
	frame, _ := m.frameTree.GetByID(frameID)

	if !isMainFrame && frame != nil {
		if fs := frame.Session(); fs != nil && fs.ID() != session.ID() {
			// Stale event from the session the frame just left.
			return
		}
	}

	if !isMainFrame && frame == nil {
		// The navigation can outrun the frameAttached event that creates
		// the frame. Apply it once the frame shows up.
		go func() {
			f, err := m.frameTree.WaitForFrame(m.ctx, frameID)
			if err != nil {
				return
			}
			m.commitNavigation(f, name, url, documentID, initial)
		}()
		return
	}

	if frame != nil {
		for _, child := range frame.ChildFrames() {
			m.removeFramesRecursively(child)
		}
	}

	if isMainFrame {
		switch {
		case frame == nil && m.frameTree.MainFrame() != nil:
			// Cross-process navigation: the browser renamed the main
			// frame. Rebind the existing object to preserve identity.
			frame = m.frameTree.MainFrame()
			m.logger.Debugf("FrameManager:frameNavigated:rebindMainFrame",
				"fmid:%d oldfid:%v fid:%v", m.id, frame.ID(), frameID)
			m.frameTree.SwapFrameID(frame, frameID)
		case frame == nil:
			// Initial main frame navigation.
			frame = NewFrame(m.ctx, m, nil, frameID, session, m.logger)
			m.frameTree.AddFrame(frame)
		}
		frame.setSession(session)
	}

	m.commitNavigation(frame, name, url, documentID, initial)
}

// commitNavigation applies a committed document to the frame and settles
// its pending document bookkeeping.
func (m *FrameManager) commitNavigation(frame *Frame, name, url, documentID string, initial bool) {
	frame.navigated(name, url, documentID)

	frame.pendingDocumentMu.Lock()
	var keepPending *DocumentInfo
	if pending := frame.pendingDocument; pending != nil {
		if pending.documentID == "" {
			pending.documentID = documentID
		}
		if pending.documentID == documentID {
			// Committing the expected document.
			frame.currentDocument = pending
		} else {
			// A new pending document can already exist when the old one
			// commits, e.g. an error page commit racing the network
			// request of the next navigation. Commit, but keep the
			// pending request since it's not done yet.
			keepPending = pending
			frame.currentDocument = &DocumentInfo{documentID: documentID}
		}
		frame.pendingDocument = nil
	} else {
		frame.currentDocument = &DocumentInfo{documentID: documentID}
	}
	newDocument := frame.currentDocument
	frame.pendingDocumentMu.Unlock()

	frame.clearLifecycle()
	frame.emit(EventFrameNavigation, &NavigationEvent{
		url:         url,
		name:        name,
		newDocument: newDocument,
	})
	if !initial {
		m.page.emit(EventPageFrameNavigated, frame)
	}

	frame.pendingDocumentMu.Lock()
	frame.pendingDocument = keepPending
	frame.pendingDocumentMu.Unlock()
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.logger.Debugf("FrameManager:frameNavigatedWithinDocument",
		"fmid:%d fid:%v url:%s", m.id, frameID, url)

	frame, ok := m.frameTree.GetByID(frameID)
	if !ok {
		return
	}
	frame.setURL(url)
	frame.emit(EventFrameNavigation, &NavigationEvent{url: url, name: frame.Name()})
	m.page.emit(EventPageFrameNavigated, frame)
}

func (m *FrameManager) frameAbortedNavigation(frameID cdp.FrameID, errorText, documentID string) {
	m.logger.Debugf("FrameManager:frameAbortedNavigation",
		"fmid:%d fid:%v err:%s docid:%s", m.id, frameID, errorText, documentID)

	frame, ok := m.frameTree.GetByID(frameID)
	if !ok {
		return
	}

	frame.pendingDocumentMu.Lock()
	if frame.pendingDocument == nil {
		frame.pendingDocumentMu.Unlock()
		return
	}
	if documentID != "" && frame.pendingDocument.documentID != documentID {
		frame.pendingDocumentMu.Unlock()
		return
	}

	ne := &NavigationEvent{
		url:         frame.URL(),
		name:        frame.Name(),
		newDocument: frame.pendingDocument,
		err:         errors.New(errorText),
	}
	frame.pendingDocument = nil
	frame.pendingDocumentMu.Unlock()

	frame.emit(EventFrameNavigation, ne)
}

func (m *FrameManager) frameRequestedNavigation(frameID cdp.FrameID, url string, documentID string) {
	m.logger.Debugf("FrameManager:frameRequestedNavigation",
		"fmid:%d fid:%v url:%s docid:%s", m.id, frameID, url, documentID)

	frame, ok := m.frameTree.GetByID(frameID)
	if !ok {
		// A stale frame that no longer exists in memory.
		return
	}

	m.barriersMu.RLock()
	for _, b := range m.barriers {
		b.AddFrameNavigation(frame)
	}
	m.barriersMu.RUnlock()

	frame.pendingDocumentMu.Lock()
	defer frame.pendingDocumentMu.Unlock()
	if frame.pendingDocument != nil && frame.pendingDocument.documentID == documentID {
		// Do not override the pending request with nil.
		return
	}
	frame.pendingDocument = &DocumentInfo{documentID: documentID}
}

func (m *FrameManager) frameLifecycleEvent(frameID cdp.FrameID, event LifecycleEvent) {
	m.logger.Debugf("FrameManager:frameLifecycleEvent",
		"fmid:%d fid:%v event:%s", m.id, frameID, event)

	frame, ok := m.frameTree.GetByID(frameID)
	if !ok {
		return
	}
	frame.onLifecycleEvent(event)
	if mf := m.frameTree.MainFrame(); mf != nil {
		// Recalculate life cycle state from the top.
		mf.recalculateLifecycle()
	}
}

func (m *FrameManager) frameLoadingStarted(frameID cdp.FrameID) {
	if frame, ok := m.frameTree.GetByID(frameID); ok {
		frame.onLoadingStarted()
	}
}

func (m *FrameManager) frameLoadingStopped(frameID cdp.FrameID) {
	if frame, ok := m.frameTree.GetByID(frameID); ok {
		frame.onLoadingStopped()
	}
}

func (m *FrameManager) onPageLifecycle(event *cdppage.EventLifecycleEvent) {
	if _, ok := m.frameTree.GetByID(event.FrameID); !ok {
		return
	}
	switch event.Name {
	case "load":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventLoad)
	case "DOMContentLoaded":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventDOMContentLoad)
	case "networkIdle":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventNetworkIdle)
	}
}

func (m *FrameManager) onExecutionContextCreated(session *Session, event *cdpruntime.EventExecutionContextCreated) {
	m.logger.Debugf("FrameManager:onExecutionContextCreated",
		"fmid:%d sid:%v ectxid:%d", m.id, session.ID(), event.Context.ID)

	var aux struct {
		FrameID   cdp.FrameID `json:"frameId"`
		IsDefault bool        `json:"isDefault"`
		Type      string      `json:"type"`
	}
	if event.Context.AuxData != nil {
		if err := json.Unmarshal(event.Context.AuxData, &aux); err != nil {
			m.logger.Errorf("FrameManager:onExecutionContextCreated",
				"fmid:%d sid:%v ectxid:%d err:%v", m.id, session.ID(), event.Context.ID, err)
			return
		}
	}

	frame, ok := m.frameTree.GetByID(aux.FrameID)
	if !ok {
		return
	}
	// Contexts reported by a session the frame has left are stale.
	if fs := frame.Session(); fs != nil && fs.ID() != session.ID() {
		return
	}

	var world executionWorld
	if aux.IsDefault {
		world = mainWorld
	} else if event.Context.Name == utilityWorldName && !frame.hasContext(utilityWorld) {
		// With multiple sessions to the same target there's a race
		// between connections, so we might end up with several isolated
		// worlds. Any of them will do.
		world = utilityWorld
	}

	if aux.Type == "isolated" {
		m.isolatedWorldsMu.Lock()
		m.isolatedWorlds[event.Context.Name] = true
		m.isolatedWorldsMu.Unlock()
	}

	context := NewExecutionContext(m.ctx, session, frame, event.Context.ID, world, m.logger)
	if world.valid() {
		frame.setContext(world, context)
	}
	m.contextsMu.Lock()
	m.contexts[event.Context.ID] = context
	m.contextsMu.Unlock()
}

func (m *FrameManager) onExecutionContextDestroyed(id cdpruntime.ExecutionContextID) {
	m.logger.Debugf("FrameManager:onExecutionContextDestroyed",
		"fmid:%d ectxid:%d", m.id, id)

	m.contextsMu.Lock()
	context, ok := m.contexts[id]
	delete(m.contexts, id)
	m.contextsMu.Unlock()
	if !ok {
		return
	}
	context.markDestroyed()
	if f := context.Frame(); f != nil {
		f.nullContext(id)
	}
}

// onExecutionContextsCleared drops every context announced by the given
// session, e.g. after its renderer navigated or crashed.
func (m *FrameManager) onExecutionContextsCleared(session *Session) {
	m.logger.Debugf("FrameManager:onExecutionContextsCleared",
		"fmid:%d sid:%v", m.id, session.ID())

	m.contextsMu.Lock()
	for id, context := range m.contexts {
		if context.Session().ID() != session.ID() {
			continue
		}
		delete(m.contexts, id)
		context.markDestroyed()
		if f := context.Frame(); f != nil {
			f.nullContext(id)
		}
	}
	m.contextsMu.Unlock()
}

func (m *FrameManager) onTargetCrashed(session *Session) {
	m.logger.Debugf("FrameManager:onTargetCrashed", "fmid:%d sid:%v", m.id, session.ID())
	session.markAsCrashed()
	m.page.didCrash()
}

func (m *FrameManager) removeChildFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesRecursively(child)
	}
}

func (m *FrameManager) removeFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.logger.Debugf("FrameManager:removeFramesRecursively",
			"fmid:%d cfid:%v pfid:%v", m.id, child.ID(), frame.ID())
		m.removeFramesRecursively(child)
	}

	frame.detach()
	m.frameTree.RemoveFrame(frame)
	if !m.page.IsClosed() {
		m.page.emit(EventPageFrameDetached, frame)
	}
}

// Network request bookkeeping, driven by the page's network manager.

func (m *FrameManager) requestStarted(req *Request) {
	frame := req.Frame()
	if frame == nil {
		return
	}
	frame.addRequest(req.requestID)
	frame.stopNetworkIdleTimer()
	if req.documentID != "" {
		frame.pendingDocumentMu.Lock()
		frame.pendingDocument = &DocumentInfo{documentID: req.documentID, request: req}
		frame.pendingDocumentMu.Unlock()
	}
}

func (m *FrameManager) requestFinished(req *Request) {
	frame := req.Frame()
	if frame == nil {
		return
	}
	frame.deleteRequest(req.requestID)
	if frame.inflightRequestsCount() == 0 {
		frame.startNetworkIdleTimer()
	}
}

func (m *FrameManager) requestFailed(req *Request, canceled bool) {
	frame := req.Frame()
	if frame == nil {
		return
	}
	frame.deleteRequest(req.requestID)
	if frame.inflightRequestsCount() == 0 {
		frame.startNetworkIdleTimer()
	}

	frame.pendingDocumentMu.RLock()
	pending := frame.pendingDocument
	frame.pendingDocumentMu.RUnlock()
	if pending == nil || pending.request != req {
		return
	}
	errorText := req.errorText
	if canceled {
		errorText += "; maybe frame was detached?"
	}
	m.frameAbortedNavigation(frame.ID(), errorText, pending.documentID)
}

// NavigationOptions configure NavigateFrame and WaitForFrameNavigation.
type NavigationOptions struct {
	Timeout   time.Duration
	WaitUntil LifecycleEvent
	Referrer  string
}

func (m *FrameManager) navigationOptions(opts *NavigationOptions) *NavigationOptions {
	if opts == nil {
		opts = &NavigationOptions{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.timeoutSettings.navigationTimeout()
	}
	return opts
}

// NavigateFrame navigates the frame to url and waits until the new
// document has committed and reached the configured lifecycle state. A
// same-document navigation returns as soon as the browser acknowledges
// it, with a nil response.
func (m *FrameManager) NavigateFrame(
	apiCtx context.Context, frame *Frame, url string, opts *NavigationOptions,
) (*Response, error) {
	opts = m.navigationOptions(opts)
	m.logger.Debugf("FrameManager:NavigateFrame",
		"fmid:%d fid:%v url:%s", m.id, frame.ID(), url)

	timeoutCtx, cancel := context.WithTimeout(apiCtx, opts.Timeout)
	defer cancel()

	newDocIDCh := make(chan string, 1)
	navEvtCh, navEvtCancel := createWaitForEventHandler(
		timeoutCtx, frame, []EventType{EventFrameNavigation},
		func(data any) bool {
			newDocID := <-newDocIDCh
			if evt, ok := data.(*NavigationEvent); ok && evt.newDocument != nil {
				return evt.newDocument.documentID == newDocID
			}
			return false
		})
	defer navEvtCancel(nil)

	lifecycleEvtCh, lifecycleEvtCancel := createWaitForEventPredicateHandler(
		timeoutCtx, frame, []EventType{EventFrameAddLifecycle},
		func(data any) bool {
			le, ok := data.(FrameLifecycleEvent)
			if !ok {
				return false
			}
			// Skip the initial blank page when navigating elsewhere, or
			// its lifecycle events end the wait prematurely.
			if url != BlankPage && le.URL == BlankPage {
				return false
			}
			return le.Event == opts.WaitUntil
		})
	defer lifecycleEvtCancel(nil)

	session := frame.Session()
	if session == nil {
		session = m.Session()
	}
	action := cdppage.Navigate(url).WithReferrer(opts.Referrer).WithFrameID(frame.ID())
	_, documentID, errorText, err := action.Do(cdp.WithExecutor(timeoutCtx, session))
	if err != nil {
		if errorText != "" {
			err = fmt.Errorf("%q: %w", errorText, err)
		}
		return nil, fmt.Errorf("navigating frame %q to %q: %w", frame.ID(), url, err)
	}
	if errorText != "" {
		return nil, fmt.Errorf("navigating frame %q to %q: %s", frame.ID(), url, errorText)
	}

	if documentID == "" {
		// Navigation within the same document, e.g. an anchor link or
		// the History API. No response and no lifecycle to wait for.
		return nil, nil //nolint:nilnil
	}

	// Unblock the waiter goroutine.
	newDocIDCh <- documentID.String()

	wrapTimeoutError := func(werr error) error {
		if errors.Is(werr, context.DeadlineExceeded) {
			werr = &TimeoutError{Method: "FrameManager.NavigateFrame", Timeout: opts.Timeout}
		}
		return fmt.Errorf("navigating frame %q to %q: %w", frame.ID(), url, werr)
	}

	var resp *Response
	select {
	case evt := <-navEvtCh:
		if e, ok := evt.(*NavigationEvent); ok {
			if e.err != nil {
				return nil, fmt.Errorf("navigating frame %q to %q: %w", frame.ID(), url, e.err)
			}
			// The request may be nil, e.g. when navigating to BlankPage.
			if req := e.newDocument.request; req != nil {
				resp = req.Response()
			}
		}
	case <-timeoutCtx.Done():
		return nil, wrapTimeoutError(timeoutCtx.Err())
	}

	select {
	case <-lifecycleEvtCh:
	case <-timeoutCtx.Done():
		return nil, wrapTimeoutError(timeoutCtx.Err())
	}

	return resp, nil
}

// WaitForFrameNavigation waits for the frame to commit its next document
// and reach the configured lifecycle state.
func (m *FrameManager) WaitForFrameNavigation(
	apiCtx context.Context, frame *Frame, opts *NavigationOptions,
) (*Response, error) {
	opts = m.navigationOptions(opts)
	m.logger.Debugf("FrameManager:WaitForFrameNavigation",
		"fmid:%d fid:%v", m.id, frame.ID())

	timeoutCtx, cancel := context.WithTimeout(apiCtx, opts.Timeout)
	defer cancel()

	// Navigations requested while we wait must settle before the wait
	// can end.
	barrier := NewBarrier()
	m.addBarrier(barrier)
	defer m.removeBarrier(barrier)

	navEvtCh, navEvtCancel := createWaitForEventHandler(
		timeoutCtx, frame, []EventType{EventFrameNavigation},
		func(data any) bool {
			evt, ok := data.(*NavigationEvent)
			return ok && evt.newDocument != nil
		})
	defer navEvtCancel(nil)

	var nav *NavigationEvent
	select {
	case evt := <-navEvtCh:
		nav, _ = evt.(*NavigationEvent)
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("waiting for navigation of frame %q: %w",
			frame.ID(), &TimeoutError{Method: "FrameManager.WaitForFrameNavigation", Timeout: opts.Timeout})
	}
	if nav == nil {
		return nil, fmt.Errorf("waiting for navigation of frame %q: %w", frame.ID(), ErrChannelClosed)
	}
	if nav.err != nil {
		return nil, fmt.Errorf("waiting for navigation of frame %q: %w", frame.ID(), nav.err)
	}

	if err := barrier.Wait(timeoutCtx); err != nil {
		return nil, fmt.Errorf("waiting for navigation of frame %q: %w", frame.ID(), err)
	}

	if !frame.hasSubtreeLifecycleEventFired(opts.WaitUntil) {
		waitCh, waitCancel := createWaitForEventPredicateHandler(
			timeoutCtx, frame, []EventType{EventFrameAddLifecycle},
			func(data any) bool {
				le, ok := data.(FrameLifecycleEvent)
				return ok && le.Event == opts.WaitUntil
			})
		defer waitCancel(nil)
		select {
		case <-waitCh:
		case <-timeoutCtx.Done():
			return nil, fmt.Errorf("waiting for navigation of frame %q: %w",
				frame.ID(), &TimeoutError{Method: "FrameManager.WaitForFrameNavigation", Timeout: opts.Timeout})
		}
	}

	if req := nav.newDocument.request; req != nil {
		return req.Response(), nil
	}
	return nil, nil //nolint:nilnil
}

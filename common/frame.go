package common

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"

	"github.com/edgemux/cdpmux/log"
)

// executionWorld classifies the JavaScript worlds tracked per frame.
type executionWorld string

const (
	// mainWorld is the frame's own JavaScript world, shared with page
	// scripts.
	mainWorld executionWorld = "main"

	// utilityWorld is an isolated world for automation scripts, invisible
	// to page JavaScript.
	utilityWorld executionWorld = "utility"
)

func (ew executionWorld) valid() bool {
	return ew == mainWorld || ew == utilityWorld
}

// World holds a frame's execution context for one JavaScript world. The
// context is replaced on every navigation; callers that need it can wait
// for the next one to be announced.
type World struct {
	name executionWorld

	mu      sync.RWMutex
	execCtx *ExecutionContext
	gotCh   chan struct{}
}

func newWorld(name executionWorld) *World {
	return &World{name: name, gotCh: make(chan struct{})}
}

func (w *World) get() *ExecutionContext {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.execCtx
}

func (w *World) set(ec *ExecutionContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execCtx = ec
	select {
	case <-w.gotCh:
	default:
		close(w.gotCh)
	}
}

func (w *World) null() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execCtx = nil
	w.gotCh = make(chan struct{})
}

// waitFor blocks until the world has an execution context or ctx is done.
func (w *World) waitFor(ctx context.Context) (*ExecutionContext, error) {
	for {
		w.mu.RLock()
		ec, ch := w.execCtx, w.gotCh
		w.mu.RUnlock()
		if ec != nil {
			return ec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Frame is a document frame in a page: the main frame or an iframe. A
// frame keeps its identity across navigations, including cross-process
// ones where the browser moves it to another session.
type Frame struct {
	BaseEventEmitter

	ctx     context.Context
	manager *FrameManager
	page    *Page
	logger  *log.Logger

	propertiesMu sync.RWMutex
	id           cdp.FrameID
	loaderID     string
	name         string
	url          string
	detached     bool
	parentFrame  *Frame
	session      *Session

	childFramesMu sync.RWMutex
	childFrames   []*Frame

	lifecycleEventsMu      sync.RWMutex
	lifecycleEvents        map[LifecycleEvent]bool
	subtreeLifecycleEvents map[LifecycleEvent]bool
	loadingStartedTime     time.Time

	// currentDocument and pendingDocument are written by the frame
	// manager's event loop and the network manager's event loop.
	pendingDocumentMu sync.RWMutex
	currentDocument   *DocumentInfo
	pendingDocument   *DocumentInfo

	inflightRequestsMu sync.RWMutex
	inflightRequests   map[network.RequestID]bool

	networkIdleMu       sync.Mutex
	networkIdleCancelFn context.CancelFunc

	worlds map[executionWorld]*World
}

// NewFrame creates a new frame under the given parent (nil for the main
// frame), served by the given session.
func NewFrame(
	ctx context.Context, m *FrameManager, parent *Frame, frameID cdp.FrameID,
	session *Session, logger *log.Logger,
) *Frame {
	if logger.DebugMode() {
		pfid := ""
		if parent != nil {
			pfid = string(parent.ID())
		}
		logger.Debugf("NewFrame", "fid:%s pfid:%s", frameID, pfid)
	}
	return &Frame{
		BaseEventEmitter:       NewBaseEventEmitter(ctx),
		ctx:                    ctx,
		manager:                m,
		page:                   m.page,
		logger:                 logger,
		id:                     frameID,
		parentFrame:            parent,
		session:                session,
		currentDocument:        &DocumentInfo{},
		lifecycleEvents:        make(map[LifecycleEvent]bool),
		subtreeLifecycleEvents: make(map[LifecycleEvent]bool),
		inflightRequests:       make(map[network.RequestID]bool),
		worlds: map[executionWorld]*World{
			mainWorld:    newWorld(mainWorld),
			utilityWorld: newWorld(utilityWorld),
		},
	}
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.id
}

func (f *Frame) setID(id cdp.FrameID) {
	f.propertiesMu.Lock()
	f.id = id
	f.propertiesMu.Unlock()
}

// LoaderID returns the id of the frame's committed document.
func (f *Frame) LoaderID() string {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.loaderID
}

// Name returns the frame's name attribute.
func (f *Frame) Name() string {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.name
}

// URL returns the frame's current URL.
func (f *Frame) URL() string {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.url
}

func (f *Frame) setURL(url string) {
	f.propertiesMu.Lock()
	f.url = url
	f.propertiesMu.Unlock()
}

// IsDetached reports whether the frame has been removed from the page.
func (f *Frame) IsDetached() bool {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.detached
}

// ParentFrame returns the frame's parent, nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.parentFrame
}

// Page returns the page the frame belongs to.
func (f *Frame) Page() *Page {
	return f.page
}

// Session returns the protocol session currently serving the frame. For
// an out-of-process iframe this differs from the page's session.
func (f *Frame) Session() *Session {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.session
}

func (f *Frame) setSession(s *Session) {
	f.propertiesMu.Lock()
	f.session = s
	f.propertiesMu.Unlock()
}

// ChildFrames returns the frame's children in attachment order.
func (f *Frame) ChildFrames() []*Frame {
	f.childFramesMu.RLock()
	defer f.childFramesMu.RUnlock()
	out := make([]*Frame, len(f.childFrames))
	copy(out, f.childFrames)
	return out
}

func (f *Frame) addChildFrame(child *Frame) {
	f.childFramesMu.Lock()
	f.childFrames = append(f.childFrames, child)
	f.childFramesMu.Unlock()
}

func (f *Frame) removeChildFrame(child *Frame) {
	f.childFramesMu.Lock()
	for i, c := range f.childFrames {
		if c == child {
			f.childFrames = append(f.childFrames[:i], f.childFrames[i+1:]...)
			break
		}
	}
	f.childFramesMu.Unlock()
}

// navigated applies a committed navigation to the frame's properties.
func (f *Frame) navigated(name string, url string, loaderID string) {
	f.propertiesMu.Lock()
	f.name = name
	f.url = url
	f.loaderID = loaderID
	f.propertiesMu.Unlock()
}

// detach marks the frame detached and unlinks it from its parent. The
// frame object stays valid for consumers holding it, but its contexts are
// gone.
func (f *Frame) detach() {
	f.stopNetworkIdleTimer()
	f.propertiesMu.Lock()
	f.detached = true
	parent := f.parentFrame
	f.parentFrame = nil
	f.propertiesMu.Unlock()
	if parent != nil {
		parent.removeChildFrame(f)
	}
	f.nullContexts()
}

// hasContext reports whether the given world currently has an execution
// context.
func (f *Frame) hasContext(world executionWorld) bool {
	return f.worlds[world].get() != nil
}

func (f *Frame) setContext(world executionWorld, execCtx *ExecutionContext) {
	f.logger.Debugf("Frame:setContext", "fid:%s world:%s ectxid:%d", f.ID(), world, execCtx.ID())
	f.worlds[world].set(execCtx)
}

// nullContext forgets the execution context with the given id, whichever
// world holds it.
func (f *Frame) nullContext(execCtxID runtime.ExecutionContextID) {
	for _, w := range f.worlds {
		if ec := w.get(); ec != nil && ec.ID() == execCtxID {
			w.null()
		}
	}
}

func (f *Frame) nullContexts() {
	for _, w := range f.worlds {
		w.null()
	}
}

// waitForExecutionContext blocks until the given world has an execution
// context.
func (f *Frame) waitForExecutionContext(ctx context.Context, world executionWorld) (*ExecutionContext, error) {
	f.logger.Debugf("Frame:waitForExecutionContext", "fid:%s world:%s", f.ID(), world)
	return f.worlds[world].waitFor(ctx)
}

// Evaluate runs js in the frame's main world and returns the result by
// value.
func (f *Frame) Evaluate(ctx context.Context, js string, args ...any) (any, error) {
	return f.evaluate(ctx, mainWorld, js, args...)
}

// EvaluateUtility runs js in the frame's isolated utility world, hidden
// from page scripts.
func (f *Frame) EvaluateUtility(ctx context.Context, js string, args ...any) (any, error) {
	return f.evaluate(ctx, utilityWorld, js, args...)
}

func (f *Frame) evaluate(ctx context.Context, world executionWorld, js string, args ...any) (any, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	ec, err := f.waitForExecutionContext(ctx, world)
	if err != nil {
		return nil, err
	}
	return ec.Evaluate(ctx, js, args...)
}

// Lifecycle bookkeeping.

func (f *Frame) onLifecycleEvent(event LifecycleEvent) {
	f.lifecycleEventsMu.Lock()
	defer f.lifecycleEventsMu.Unlock()
	if f.lifecycleEvents[event] {
		return
	}
	f.lifecycleEvents[event] = true
}

func (f *Frame) onLoadingStarted() {
	f.lifecycleEventsMu.Lock()
	f.loadingStartedTime = time.Now()
	f.lifecycleEventsMu.Unlock()
}

func (f *Frame) onLoadingStopped() {
	f.lifecycleEventsMu.Lock()
	defer f.lifecycleEventsMu.Unlock()
	f.lifecycleEvents[LifecycleEventDOMContentLoad] = true
	f.lifecycleEvents[LifecycleEventLoad] = true
	f.lifecycleEvents[LifecycleEventNetworkIdle] = true
}

func (f *Frame) hasLifecycleEventFired(event LifecycleEvent) bool {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	return f.lifecycleEvents[event]
}

func (f *Frame) hasSubtreeLifecycleEventFired(event LifecycleEvent) bool {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	return f.subtreeLifecycleEvents[event]
}

// clearLifecycle resets the frame's lifecycle state when a new document
// commits. Inflight requests that belong to the new document survive the
// reset.
func (f *Frame) clearLifecycle() {
	f.lifecycleEventsMu.Lock()
	for k := range f.lifecycleEvents {
		f.lifecycleEvents[k] = false
	}
	f.lifecycleEventsMu.Unlock()

	if mf := f.manager.frameTree.MainFrame(); mf != nil {
		mf.recalculateLifecycle()
	}

	f.pendingDocumentMu.RLock()
	current := f.currentDocument
	f.pendingDocumentMu.RUnlock()

	f.inflightRequestsMu.Lock()
	inflight := make(map[network.RequestID]bool)
	for reqID := range f.inflightRequests {
		if current.request != nil && reqID == current.request.requestID {
			inflight[reqID] = true
		}
	}
	f.inflightRequests = inflight
	count := len(inflight)
	f.inflightRequestsMu.Unlock()

	f.stopNetworkIdleTimer()
	if count == 0 {
		f.startNetworkIdleTimer()
	}
}

// recalculateLifecycle folds the lifecycle state of the subtree into this
// frame: an event counts as fired only once every descendant fired it.
func (f *Frame) recalculateLifecycle() {
	events := make(map[LifecycleEvent]bool)
	f.lifecycleEventsMu.RLock()
	for k, v := range f.lifecycleEvents {
		events[k] = v
	}
	f.lifecycleEventsMu.RUnlock()

	f.childFramesMu.RLock()
	for _, child := range f.childFrames {
		child.recalculateLifecycle()
		for k := range events {
			if !child.hasSubtreeLifecycleEventFired(k) {
				delete(events, k)
			}
		}
	}
	f.childFramesMu.RUnlock()

	mainFrame := f.manager.frameTree.MainFrame()
	for k, fired := range events {
		if fired && !f.hasSubtreeLifecycleEventFired(k) {
			f.emit(EventFrameAddLifecycle, FrameLifecycleEvent{URL: f.URL(), Event: k})
			if f == mainFrame {
				switch k {
				case LifecycleEventLoad:
					f.page.emit(EventPageLoad, nil)
				case LifecycleEventDOMContentLoad:
					f.page.emit(EventPageDOMContentLoaded, nil)
				}
			}
		}
	}

	f.lifecycleEventsMu.Lock()
	for k := range f.subtreeLifecycleEvents {
		if !events[k] {
			f.lifecycleEventsMu.Unlock()
			f.emit(EventFrameRemoveLifecycle, FrameLifecycleEvent{URL: f.URL(), Event: k})
			f.lifecycleEventsMu.Lock()
		}
	}
	f.subtreeLifecycleEvents = events
	f.lifecycleEventsMu.Unlock()
}

// Inflight request tracking, feeding the network idle lifecycle event.

func (f *Frame) addRequest(requestID network.RequestID) {
	f.inflightRequestsMu.Lock()
	f.inflightRequests[requestID] = true
	f.inflightRequestsMu.Unlock()
}

func (f *Frame) deleteRequest(requestID network.RequestID) {
	f.inflightRequestsMu.Lock()
	delete(f.inflightRequests, requestID)
	f.inflightRequestsMu.Unlock()
}

func (f *Frame) inflightRequestsCount() int {
	f.inflightRequestsMu.RLock()
	defer f.inflightRequestsMu.RUnlock()
	return len(f.inflightRequests)
}

func (f *Frame) hasInflightRequest(requestID network.RequestID) bool {
	f.inflightRequestsMu.RLock()
	defer f.inflightRequestsMu.RUnlock()
	return f.inflightRequests[requestID]
}

func (f *Frame) startNetworkIdleTimer() {
	if f.hasLifecycleEventFired(LifecycleEventNetworkIdle) || f.IsDetached() {
		return
	}

	f.networkIdleMu.Lock()
	if f.networkIdleCancelFn != nil {
		f.networkIdleCancelFn()
	}
	idleCtx, cancel := context.WithCancel(f.ctx)
	f.networkIdleCancelFn = cancel
	f.networkIdleMu.Unlock()

	go func() {
		select {
		case <-idleCtx.Done():
		case <-time.After(LifeCycleNetworkIdleTimeout):
			f.manager.frameLifecycleEvent(f.ID(), LifecycleEventNetworkIdle)
		}
	}()
}

func (f *Frame) stopNetworkIdleTimer() {
	f.networkIdleMu.Lock()
	if f.networkIdleCancelFn != nil {
		f.networkIdleCancelFn()
		f.networkIdleCancelFn = nil
	}
	f.networkIdleMu.Unlock()
}

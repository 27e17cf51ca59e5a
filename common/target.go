package common

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// TargetType classifies an attachable browser target.
type TargetType string

const (
	TargetTypePage          TargetType = "page"
	TargetTypeIFrame        TargetType = "iframe"
	TargetTypeWorker        TargetType = "worker"
	TargetTypeServiceWorker TargetType = "service_worker"
	TargetTypeSharedWorker  TargetType = "shared_worker"
	TargetTypeBrowser       TargetType = "browser"
	TargetTypeOther         TargetType = "other"
)

// toTargetType maps a protocol target type string to a TargetType. Types
// this package does not track map to TargetTypeOther.
func toTargetType(s string) TargetType {
	switch t := TargetType(s); t {
	case TargetTypePage, TargetTypeIFrame, TargetTypeWorker,
		TargetTypeServiceWorker, TargetTypeSharedWorker, TargetTypeBrowser:
		return t
	default:
		return TargetTypeOther
	}
}

type initializationStatus int

const (
	targetPending initializationStatus = iota
	targetInitialized
	targetAborted
)

// Target is an attachable entity known to the browser: a page, a frame
// that lives in its own process, a worker. A Target becomes available to
// consumers exactly once, when its session is established and set up; a
// target whose session detaches before that point is aborted instead.
type Target struct {
	id      target.ID
	typ     TargetType
	context cdp.BrowserContextID

	mu       sync.RWMutex
	info     *target.Info
	session  *Session
	status   initializationStatus
	parent   *Target
	children map[target.ID]*Target
}

// NewTarget creates a target from its protocol description.
func NewTarget(info *target.Info, session *Session) *Target {
	return &Target{
		id:       info.TargetID,
		typ:      toTargetType(info.Type),
		context:  info.BrowserContextID,
		info:     info,
		session:  session,
		children: make(map[target.ID]*Target),
	}
}

// ID returns the target id.
func (t *Target) ID() target.ID { return t.id }

// Type returns the target type.
func (t *Target) Type() TargetType { return t.typ }

// BrowserContextID returns the browser context the target belongs to.
func (t *Target) BrowserContextID() cdp.BrowserContextID { return t.context }

// Session returns the session attached to this target, nil if the target
// was observed without keeping a session (service workers).
func (t *Target) Session() *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

// Info returns the latest protocol description of the target.
func (t *Target) Info() *target.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// URL returns the target's current URL.
func (t *Target) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info == nil {
		return ""
	}
	return t.info.URL
}

// Opener returns the id of the target that opened this one, empty when
// none did.
func (t *Target) Opener() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info == nil {
		return ""
	}
	return t.info.OpenerID
}

func (t *Target) setInfo(info *target.Info) {
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()
}

// markInitialized flips the target to initialized. It reports whether
// this call did the flip, so the caller can announce the target exactly
// once.
func (t *Target) markInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != targetPending {
		return false
	}
	t.status = targetInitialized
	return true
}

// abortInitialization marks a target whose session went away before setup
// completed. Reports whether the target was still pending.
func (t *Target) abortInitialization() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != targetPending {
		return false
	}
	t.status = targetAborted
	return true
}

// initialized reports whether the target completed initialization.
func (t *Target) initialized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status == targetInitialized
}

func (t *Target) addChild(child *Target) {
	child.mu.Lock()
	child.parent = t
	child.mu.Unlock()

	t.mu.Lock()
	t.children[child.id] = child
	t.mu.Unlock()
}

func (t *Target) removeChild(id target.ID) {
	t.mu.Lock()
	c := t.children[id]
	delete(t.children, id)
	t.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		c.parent = nil
		c.mu.Unlock()
	}
}

// Parent returns the target this one attached under, nil for top-level
// targets.
func (t *Target) Parent() *Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parent
}

// Children returns the targets attached under this one.
func (t *Target) Children() []*Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Target, 0, len(t.children))
	for _, c := range t.children {
		out = append(out, c)
	}
	return out
}

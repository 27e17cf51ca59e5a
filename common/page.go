package common

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/edgemux/cdpmux/log"
)

// ConsoleMessage is a console API call made by page JavaScript.
type ConsoleMessage struct {
	// Type is the console method, e.g. "log", "warning" or "error".
	Type string
	// Text is the message's arguments stringified and joined.
	Text string
	// Args holds the message's arguments as Go values, best effort.
	Args []any
}

// Page drives one page target: its frame tree, network traffic and the
// JavaScript running in it.
type Page struct {
	BaseEventEmitter

	ctx             context.Context
	session         *Session
	targetID        target.ID
	frameManager    *FrameManager
	networkManager  *NetworkManager
	prompts         *DevicePromptManager
	timeoutSettings *TimeoutSettings
	logger          *log.Logger

	closedMu sync.RWMutex
	closed   bool
	crashed  bool
}

// NewPage builds a page on top of an attached page session and
// initializes the protocol domains it needs. parentTimeoutSettings may be
// nil.
func NewPage(
	ctx context.Context, session *Session, targetID target.ID,
	parentTimeoutSettings *TimeoutSettings, logger *log.Logger,
) (*Page, error) {
	p := &Page{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          session,
		targetID:         targetID,
		timeoutSettings:  NewTimeoutSettings(parentTimeoutSettings),
		logger:           logger,
	}
	p.frameManager = NewFrameManager(ctx, session, p, p.timeoutSettings, logger)
	p.networkManager = NewNetworkManager(ctx, p, p.frameManager, logger)

	if err := p.frameManager.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing page %q: %w", targetID, err)
	}

	// Not every target supports the device access domain; a page works
	// fine without prompts.
	prompts, err := NewDevicePromptManager(ctx, session, p.timeoutSettings, logger)
	if err != nil {
		logger.Warnf("Page:NewPage", "tid:%v device access unavailable: %v", targetID, err)
	} else {
		p.prompts = prompts
	}

	return p, nil
}

// Session returns the page's main protocol session.
func (p *Page) Session() *Session { return p.session }

// TargetID returns the id of the page target.
func (p *Page) TargetID() target.ID { return p.targetID }

// Timeouts returns the page's timeout settings, inherited by its
// operations.
func (p *Page) Timeouts() *TimeoutSettings { return p.timeoutSettings }

// MainFrame returns the page's top frame.
func (p *Page) MainFrame() *Frame { return p.frameManager.MainFrame() }

// Frames returns all frames of the page.
func (p *Page) Frames() []*Frame { return p.frameManager.Frames() }

// URL returns the URL of the page's top frame.
func (p *Page) URL() string { return p.frameManager.MainFrameURL() }

// Navigate navigates the page's top frame to url and waits for the
// configured lifecycle state.
func (p *Page) Navigate(ctx context.Context, url string, opts *NavigationOptions) (*Response, error) {
	p.logger.Debugf("Page:Navigate", "tid:%v url:%s", p.targetID, url)
	mf := p.MainFrame()
	if mf == nil {
		return nil, fmt.Errorf("navigating page %q: no main frame", p.targetID)
	}
	return p.frameManager.NavigateFrame(ctx, mf, url, opts)
}

// WaitForNavigation waits for the top frame's next committed navigation.
func (p *Page) WaitForNavigation(ctx context.Context, opts *NavigationOptions) (*Response, error) {
	mf := p.MainFrame()
	if mf == nil {
		return nil, fmt.Errorf("waiting for navigation of page %q: no main frame", p.targetID)
	}
	return p.frameManager.WaitForFrameNavigation(ctx, mf, opts)
}

// Evaluate runs js in the top frame's main world.
func (p *Page) Evaluate(ctx context.Context, js string, args ...any) (any, error) {
	mf := p.MainFrame()
	if mf == nil {
		return nil, fmt.Errorf("evaluating in page %q: no main frame", p.targetID)
	}
	return mf.Evaluate(ctx, js, args...)
}

// SetExtraHTTPHeaders adds headers to every request of the page.
func (p *Page) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	return p.networkManager.SetExtraHTTPHeaders(ctx, headers)
}

// WaitForDevicePrompt blocks until the page raises a device selection
// prompt.
func (p *Page) WaitForDevicePrompt(ctx context.Context) (*DevicePrompt, error) {
	if p.prompts == nil {
		return nil, fmt.Errorf("waiting for device prompt: page %q has no device access", p.targetID)
	}
	return p.prompts.WaitForDevicePrompt(ctx)
}

// Close closes the page target.
func (p *Page) Close(ctx context.Context) error {
	p.logger.Debugf("Page:Close", "tid:%v", p.targetID)
	action := target.CloseTarget(p.targetID)
	if err := action.Do(cdp.WithExecutor(ctx, p.session.conn)); err != nil {
		return fmt.Errorf("closing page %q: %w", p.targetID, err)
	}
	return nil
}

// IsClosed reports whether the page has been closed.
func (p *Page) IsClosed() bool {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	return p.closed
}

// IsCrashed reports whether the page's renderer has crashed.
func (p *Page) IsCrashed() bool {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	return p.crashed
}

// didClose marks the page closed and announces it. Called when the
// page's target is gone.
func (p *Page) didClose() {
	p.closedMu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.closedMu.Unlock()
	if !alreadyClosed {
		p.emit(EventPageClose, p)
	}
}

// didCrash marks the page crashed and announces it.
func (p *Page) didCrash() {
	p.closedMu.Lock()
	p.crashed = true
	p.closedMu.Unlock()
	p.emit(EventPageCrashed, p)
}

func (p *Page) onConsoleAPICalled(ev *cdpruntime.EventConsoleAPICalled) {
	msg := &ConsoleMessage{
		Type: string(ev.Type),
		Args: make([]any, 0, len(ev.Args)),
	}
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		val, err := valueFromRemoteObject(arg)
		if err != nil {
			p.logger.Debugf("Page:onConsoleAPICalled",
				"tid:%v unparsable console arg: %v", p.targetID, err)
			continue
		}
		msg.Args = append(msg.Args, val)
		parts = append(parts, fmt.Sprintf("%v", val))
	}
	msg.Text = strings.Join(parts, " ")
	p.emit(EventPageConsoleAPICalled, msg)
}

func (p *Page) onExceptionThrown(ev *cdpruntime.EventExceptionThrown) {
	if ev.ExceptionDetails == nil {
		return
	}
	p.emit(EventPageError, fmt.Errorf("%s", parseExceptionDetails(ev.ExceptionDetails)))
}

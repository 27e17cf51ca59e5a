package common

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/edgemux/cdpmux/log"
)

// Request is an in-flight or completed network request issued by a frame.
type Request struct {
	requestID    network.RequestID
	documentID   string
	frame        *Frame
	url          string
	method       string
	headers      map[string][]string
	resourceType network.ResourceType
	errorText    string

	responseMu sync.RWMutex
	response   *Response
}

// NewRequest creates a request from its protocol announcement. frame may
// be nil when the frame is not (or no longer) known.
func NewRequest(ev *network.EventRequestWillBeSent, frame *Frame, documentID string) *Request {
	return &Request{
		requestID:    ev.RequestID,
		documentID:   documentID,
		frame:        frame,
		url:          ev.Request.URL + ev.Request.URLFragment,
		method:       ev.Request.Method,
		headers:      parseHeaders(ev.Request.Headers),
		resourceType: ev.Type,
	}
}

// URL returns the request URL.
func (r *Request) URL() string { return r.url }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Frame returns the frame that issued the request, nil if unknown.
func (r *Request) Frame() *Frame { return r.frame }

// Headers returns the request headers.
func (r *Request) Headers() map[string][]string { return r.headers }

// ResourceType returns the kind of resource the request fetches.
func (r *Request) ResourceType() network.ResourceType { return r.resourceType }

// IsNavigationRequest reports whether the request commits a new document
// in its frame.
func (r *Request) IsNavigationRequest() bool { return r.documentID != "" }

// Failure returns the protocol error text of a failed request, empty
// while in flight or on success.
func (r *Request) Failure() string { return r.errorText }

// Response returns the response received for this request, nil while none
// has arrived.
func (r *Request) Response() *Response {
	r.responseMu.RLock()
	defer r.responseMu.RUnlock()
	return r.response
}

func (r *Request) setResponse(res *Response) {
	r.responseMu.Lock()
	r.response = res
	r.responseMu.Unlock()
}

// Response is the server's answer to a Request.
type Response struct {
	request           *Request
	url               string
	status            int64
	statusText        string
	headers           map[string][]string
	fromDiskCache     bool
	fromServiceWorker bool
}

// NewResponse creates a response from its protocol announcement.
func NewResponse(req *Request, res *network.Response) *Response {
	return &Response{
		request:           req,
		url:               res.URL,
		status:            res.Status,
		statusText:        res.StatusText,
		headers:           parseHeaders(res.Headers),
		fromDiskCache:     res.FromDiskCache,
		fromServiceWorker: res.FromServiceWorker,
	}
}

// Request returns the request this response answers.
func (r *Response) Request() *Request { return r.request }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// Headers returns the response headers.
func (r *Response) Headers() map[string][]string { return r.headers }

// Ok reports whether the status code is in the 2xx range. A status of 0
// (e.g. a file:// response) counts as ok too.
func (r *Response) Ok() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

func parseHeaders(h network.Headers) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		// The browser folds repeated headers into one \n-joined value.
		out[k] = strings.Split(s, "\n")
	}
	return out
}

// NetworkManager tracks the network requests of one page across its
// sessions and feeds the frame manager's document and network-idle
// bookkeeping.
type NetworkManager struct {
	ctx          context.Context
	page         *Page
	frameManager *FrameManager
	logger       *log.Logger

	reqsMu         sync.RWMutex
	reqIDToRequest map[network.RequestID]*Request

	extraHTTPHeadersMu sync.RWMutex
	extraHTTPHeaders   map[string]string
}

// NewNetworkManager creates a network manager for the given page.
func NewNetworkManager(
	ctx context.Context, page *Page, frameManager *FrameManager, logger *log.Logger,
) *NetworkManager {
	return &NetworkManager{
		ctx:            ctx,
		page:           page,
		frameManager:   frameManager,
		logger:         logger,
		reqIDToRequest: make(map[network.RequestID]*Request),
	}
}

// initSession enables the network domain on the session and starts
// consuming its network events.
func (m *NetworkManager) initSession(apiCtx context.Context, session *Session) error {
	m.logger.Debugf("NetworkManager:initSession", "sid:%v", session.ID())

	eventCh := make(chan Event)
	evCtx, evCancel := context.WithCancel(m.ctx)
	session.on(evCtx, []EventType{
		EventType(cdproto.EventNetworkRequestWillBeSent),
		EventType(cdproto.EventNetworkResponseReceived),
		EventType(cdproto.EventNetworkLoadingFinished),
		EventType(cdproto.EventNetworkLoadingFailed),
	}, eventCh)

	go func() {
		defer evCancel()
		for {
			select {
			case <-evCtx.Done():
				return
			case <-session.Done():
				return
			case event := <-eventCh:
				m.handleEvent(event)
			}
		}
	}()

	if err := network.Enable().Do(cdp.WithExecutor(apiCtx, session)); err != nil {
		evCancel()
		return fmt.Errorf("enabling network domain: %w", err)
	}
	return nil
}

func (m *NetworkManager) handleEvent(event Event) {
	switch ev := event.data.(type) {
	case *network.EventRequestWillBeSent:
		m.onRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		m.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		m.onLoadingFinished(ev)
	case *network.EventLoadingFailed:
		m.onLoadingFailed(ev)
	}
}

func (m *NetworkManager) request(id network.RequestID) (*Request, bool) {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	req, ok := m.reqIDToRequest[id]
	return req, ok
}

func (m *NetworkManager) forgetRequest(id network.RequestID) {
	m.reqsMu.Lock()
	delete(m.reqIDToRequest, id)
	m.reqsMu.Unlock()
}

func (m *NetworkManager) onRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	m.logger.Debugf("NetworkManager:onRequestWillBeSent",
		"rid:%v url:%s", ev.RequestID, ev.Request.URL)

	// A redirect reuses the request id; finish the hop it supersedes.
	if ev.RedirectResponse != nil {
		if prev, ok := m.request(ev.RequestID); ok {
			prev.setResponse(NewResponse(prev, ev.RedirectResponse))
			m.page.emit(EventPageResponse, prev.Response())
			m.frameManager.requestFinished(prev)
			m.forgetRequest(ev.RequestID)
			m.page.emit(EventPageRequestFinished, prev)
		}
	}

	// The loader id doubling as the request id marks the request that
	// commits a new document in its frame.
	var documentID string
	if ev.Type == network.ResourceTypeDocument && string(ev.RequestID) == string(ev.LoaderID) {
		documentID = ev.LoaderID.String()
	}

	frame, _ := m.frameManager.getFrameByID(ev.FrameID)
	req := NewRequest(ev, frame, documentID)

	m.reqsMu.Lock()
	m.reqIDToRequest[ev.RequestID] = req
	m.reqsMu.Unlock()

	m.frameManager.requestStarted(req)
	m.page.emit(EventPageRequest, req)
}

func (m *NetworkManager) onResponseReceived(ev *network.EventResponseReceived) {
	req, ok := m.request(ev.RequestID)
	if !ok {
		return
	}
	req.setResponse(NewResponse(req, ev.Response))
	m.page.emit(EventPageResponse, req.Response())
}

func (m *NetworkManager) onLoadingFinished(ev *network.EventLoadingFinished) {
	req, ok := m.request(ev.RequestID)
	if !ok {
		return
	}
	m.frameManager.requestFinished(req)
	m.forgetRequest(ev.RequestID)
	m.page.emit(EventPageRequestFinished, req)
}

func (m *NetworkManager) onLoadingFailed(ev *network.EventLoadingFailed) {
	req, ok := m.request(ev.RequestID)
	if !ok {
		return
	}
	req.errorText = ev.ErrorText
	m.frameManager.requestFailed(req, ev.Canceled)
	m.forgetRequest(ev.RequestID)
	m.page.emit(EventPageRequestFailed, req)
}

// SetExtraHTTPHeaders adds headers to every request of the page, on top
// of the browser defaults.
func (m *NetworkManager) SetExtraHTTPHeaders(apiCtx context.Context, headers map[string]string) error {
	m.extraHTTPHeadersMu.Lock()
	m.extraHTTPHeaders = headers
	m.extraHTTPHeadersMu.Unlock()

	protoHeaders := make(network.Headers, len(headers))
	for k, v := range headers {
		protoHeaders[k] = v
	}
	action := network.SetExtraHTTPHeaders(protoHeaders)
	if err := action.Do(cdp.WithExecutor(apiCtx, m.frameManager.Session())); err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}
	return nil
}

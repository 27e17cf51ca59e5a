package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailru/easyjson"
)

type callbackResult struct {
	result easyjson.RawMessage
	err    error
}

// pendingCall is an in-flight protocol command awaiting its reply.
type pendingCall struct {
	id    int64
	label string
	timer *time.Timer

	// resultCh is buffered so a settle never blocks on a consumer that
	// already gave up waiting.
	resultCh chan callbackResult
}

// await blocks until the call settles or ctx is done. Cancellation leaves
// the call registered; its reply, timeout or clear still settles it.
func (c *pendingCall) await(ctx context.Context) (easyjson.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-c.resultCh:
		return res.result, res.err
	}
}

// CallbackRegistry correlates protocol command ids with their replies.
// Each Connection and each Session owns one: ids are scoped to the channel
// the command is sent on. Settling an id that is unknown (already settled,
// timed out or never issued) is a no-op, so late replies from the browser
// are silently dropped.
type CallbackRegistry struct {
	mu      sync.Mutex
	lastID  int64
	pending map[int64]*pendingCall
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		pending: make(map[int64]*pendingCall),
	}
}

// reserveID allocates the next command id without registering a pending
// call. Used for fire-and-forget commands: the browser still replies, and
// the reply falls through resolve as a no-op.
func (r *CallbackRegistry) reserveID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID
}

// create allocates a strictly increasing id, registers a pending call
// under it and invokes write with the id. If write returns an error the
// call is rejected with it and the error is returned to the caller. A
// positive timeout arms a timer that rejects the call with a
// *TimeoutError when it fires before the reply arrives.
func (r *CallbackRegistry) create(
	label string, timeout time.Duration, write func(id int64) error,
) (*pendingCall, error) {
	r.mu.Lock()
	r.lastID++
	c := &pendingCall{
		id:       r.lastID,
		label:    label,
		resultCh: make(chan callbackResult, 1),
	}
	r.pending[c.id] = c
	r.mu.Unlock()

	if err := write(c.id); err != nil {
		r.reject(c.id, err)
		return nil, err
	}

	if timeout > 0 {
		r.mu.Lock()
		// The reply may have already settled the call while write was
		// in flight; only arm the timer if it is still pending.
		if _, ok := r.pending[c.id]; ok {
			c.timer = time.AfterFunc(timeout, func() {
				r.reject(c.id, &TimeoutError{Method: label, Timeout: timeout})
			})
		}
		r.mu.Unlock()
	}

	return c, nil
}

// resolve settles the pending call id with a successful result. Unknown
// ids are ignored.
func (r *CallbackRegistry) resolve(id int64, result easyjson.RawMessage) {
	r.settle(id, callbackResult{result: result})
}

// reject settles the pending call id with an error. Unknown ids are
// ignored.
func (r *CallbackRegistry) reject(id int64, err error) {
	r.settle(id, callbackResult{err: err})
}

func (r *CallbackRegistry) settle(id int64, res callbackResult) {
	r.mu.Lock()
	c, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if pe, isPE := res.err.(*ProtocolError); isPE && pe.Method == "" {
		pe.Method = c.label
	}
	c.resultCh <- res
}

// clear rejects every pending call with err and empties the registry.
// Called when the owning connection or session goes away.
func (r *CallbackRegistry) clear(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int64]*pendingCall)
	r.mu.Unlock()

	for _, c := range pending {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.resultCh <- callbackResult{err: fmt.Errorf("%s: %w", c.label, err)}
	}
}

// pendingCount reports the number of in-flight calls.
func (r *CallbackRegistry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

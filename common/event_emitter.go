package common

import (
	"context"
	"sync"
)

// EventType identifies an event emitted by one of the cdpmux components.
// CDP protocol events are emitted under their method name, converted with
// EventType(method); component-level events use the constants below.
type EventType string

const (
	// Connection

	EventConnectionClose           EventType = "close"
	EventConnectionSessionAttached EventType = "sessionattached"
	EventConnectionSessionDetached EventType = "sessiondetached"

	// Session

	EventSessionClosed        EventType = "sessionclosed"
	EventSessionChildAttached EventType = "childsessionattached"
	EventSessionChildDetached EventType = "childsessiondetached"
	EventSessionTargetSwapped EventType = "targetswapped"

	// TargetManager

	EventTargetManagerDiscovered EventType = "targetdiscovered"
	EventTargetManagerAvailable  EventType = "targetavailable"
	EventTargetManagerGone       EventType = "targetgone"
	EventTargetManagerChanged    EventType = "targetchanged"

	// Frame

	EventFrameNavigation           EventType = "navigation"
	EventFrameAddLifecycle         EventType = "addlifecycle"
	EventFrameRemoveLifecycle      EventType = "removelifecycle"
	EventFrameSwappedByActivation  EventType = "swappedbyactivation"
	EventFrameExecutionContextsNew EventType = "executioncontextsnew"

	// Page

	EventPageFrameAttached    EventType = "frameattached"
	EventPageFrameDetached    EventType = "framedetached"
	EventPageFrameNavigated   EventType = "framenavigated"
	EventPageFrameSwapped     EventType = "frameswapped"
	EventPageRequest          EventType = "request"
	EventPageRequestFailed    EventType = "requestfailed"
	EventPageRequestFinished  EventType = "requestfinished"
	EventPageResponse         EventType = "response"
	EventPageError            EventType = "pageerror"
	EventPageConsoleAPICalled EventType = "console"
	EventPageClose            EventType = "pageclose"
	EventPageCrashed          EventType = "pagecrashed"
	EventPageLoad             EventType = "load"
	EventPageDOMContentLoaded EventType = "domcontentloaded"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  EventType
	data any
}

// queue buffers events per subscriber channel so that slow consumers never
// reorder events: writes go to the write slice under the emitter lock, and
// delivery goroutines drain the read slice in FIFO order, swapping the two
// when the read side runs dry.
type queue struct {
	writeMutex sync.Mutex
	write      []Event
	readMutex  sync.Mutex
	read       []Event
}

type eventHandler struct {
	ctx   context.Context
	ch    chan Event
	queue *queue
}

// EventEmitter is implemented by every component that publishes events.
type EventEmitter interface {
	emit(event EventType, data any)
	on(ctx context.Context, events []EventType, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// syncFunc functions are passed through the syncCh for synchronously
// handling eventHandler requests.
type syncFunc func() (done chan struct{})

// BaseEventEmitter emits events to registered handlers.
type BaseEventEmitter struct {
	handlers    map[EventType][]*eventHandler
	handlersAll []*eventHandler

	queues map[chan Event]*queue

	syncCh chan syncFunc
	ctx    context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers: make(map[EventType][]*eventHandler),
		syncCh:   make(chan syncFunc),
		ctx:      ctx,
		queues:   make(map[chan Event]*queue),
	}
	go bem.syncAll(ctx)
	return bem
}

// syncAll receives work requests from BaseEventEmitter methods and
// processes them one at a time for synchronization. It returns when the
// BaseEventEmitter context is done.
func (e *BaseEventEmitter) syncAll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.syncCh:
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for synchronized access to the BaseEventEmitter.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.syncCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

func (e *BaseEventEmitter) emit(event EventType, data any) {
	emitEvent := func(eh *eventHandler) {
		eh.queue.readMutex.Lock()
		defer eh.queue.readMutex.Unlock()

		// When the read queue runs dry, swap it with the write queue
		// that emitTo below has been populating. Delivery goroutines
		// keep consuming from the read queue until it is depleted
		// again, which preserves per-handler FIFO order.
		if len(eh.queue.read) == 0 {
			eh.queue.writeMutex.Lock()
			eh.queue.read, eh.queue.write = eh.queue.write, nil
			eh.queue.writeMutex.Unlock()
		}
		if len(eh.queue.read) == 0 {
			return
		}

		select {
		case eh.ch <- eh.queue.read[0]:
			eh.queue.read[0] = Event{}
			eh.queue.read = eh.queue.read[1:]
		case <-eh.ctx.Done():
		}
	}
	emitTo := func(handlers []*eventHandler) (updated []*eventHandler) {
		for i := 0; i < len(handlers); {
			handler := handlers[i]
			select {
			case <-handler.ctx.Done():
				handlers = append(handlers[:i], handlers[i+1:]...)
				continue
			default:
				handler.queue.writeMutex.Lock()
				handler.queue.write = append(handler.queue.write, Event{typ: event, data: data})
				handler.queue.writeMutex.Unlock()

				go emitEvent(handler)
				i++
			}
		}
		return handlers
	}
	e.sync(func() {
		e.handlers[event] = emitTo(e.handlers[event])
		e.handlersAll = emitTo(e.handlersAll)
	})
}

// on registers a handler for the given events.
func (e *BaseEventEmitter) on(ctx context.Context, events []EventType, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], &eventHandler{ctx: ctx, ch: ch, queue: q})
		}
	})
}

// onAll registers a handler for all events.
func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		e.handlersAll = append(e.handlersAll, &eventHandler{ctx: ctx, ch: ch, queue: q})
	})
}

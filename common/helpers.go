package common

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// convertArgument converts a Go value into a CDP call argument, mapping the
// values JSON cannot carry (big ints, -0, Infinity, NaN) to their
// unserializable protocol encodings.
func convertArgument(arg any) (*cdpruntime.CallArgument, error) {
	switch a := arg.(type) {
	case int64:
		if a > math.MaxInt32 {
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(fmt.Sprintf("%dn", a)),
			}, nil
		}
		b, err := json.Marshal(a)
		return &cdpruntime.CallArgument{Value: b}, err
	case float64:
		var unserVal string
		switch a {
		case math.Float64frombits(0 | (1 << 63)):
			unserVal = "-0"
		case math.Inf(0):
			unserVal = "Infinity"
		case math.Inf(-1):
			unserVal = "-Infinity"
		default:
			if math.IsNaN(a) {
				unserVal = "NaN"
			}
		}
		if unserVal != "" {
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(unserVal),
			}, nil
		}
		b, err := json.Marshal(a)
		if err != nil {
			err = fmt.Errorf("converting argument '%v': %w", arg, err)
		}
		return &cdpruntime.CallArgument{Value: b}, err
	default:
		b, err := json.Marshal(a)
		if err != nil {
			err = fmt.Errorf("converting argument '%v': %w", arg, err)
		}
		return &cdpruntime.CallArgument{Value: b}, err
	}
}

// createWaitForEventHandler subscribes to the given events on emitter and
// returns a channel that receives the data of the first matching event.
// The returned cancel func unsubscribes; it must be called if the caller
// stops waiting early.
func createWaitForEventHandler(
	ctx context.Context,
	emitter EventEmitter, events []EventType,
	predicateFn func(data any) bool,
) (
	chan any, context.CancelCauseFunc,
) {
	evCancelCtx, evCancelFn := context.WithCancelCause(ctx)
	chEvHandler := make(chan Event)
	ch := make(chan any)

	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if !slices.Contains(events, ev.typ) {
					continue
				}
				if predicateFn != nil && !predicateFn(ev.data) {
					continue
				}
				select {
				case ch <- ev.data:
				case <-evCancelCtx.Done():
					return
				}
				close(ch)

				// One matching event only; drop the handler by
				// canceling its context.
				evCancelFn(nil)

				return
			}
		}
	}()

	emitter.on(evCancelCtx, events, chEvHandler)
	return ch, evCancelFn
}

// createWaitForEventPredicateHandler is like createWaitForEventHandler
// except that a nil predicate never matches, so callers keep waiting until
// the predicate accepts an event.
func createWaitForEventPredicateHandler(
	ctx context.Context, emitter EventEmitter, events []EventType,
	predicateFn func(data any) bool,
) (
	chan any, context.CancelCauseFunc,
) {
	evCancelCtx, evCancelFn := context.WithCancelCause(ctx)
	chEvHandler := make(chan Event)
	ch := make(chan any)

	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if slices.Contains(events, ev.typ) &&
					predicateFn != nil && predicateFn(ev.data) {
					select {
					case ch <- ev.data:
						close(ch)
						evCancelFn(nil)
					case <-evCancelCtx.Done():
					}
					return
				}
			}
		}
	}()

	emitter.on(evCancelCtx, events, chEvHandler)

	return ch, evCancelFn
}

package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/edgemux/cdpmux/log"
)

const evaluationScriptURL = "__cdpmux_evaluation_script__"

// sourceURLSuffix names evaluated scripts in the browser's debugger.
const sourceURLSuffix = "\n//# sourceURL=" + evaluationScriptURL

// devToolsServerErrorCode is the server error code DevTools replies with
// when, among other things, an execution context is gone.
const devToolsServerErrorCode = -32000

// ExecutionContext is a JavaScript execution context of a frame in one of
// its worlds. A context is valid until the frame navigates or the world is
// torn down; evaluations after that fail with ErrContextDestroyed.
type ExecutionContext struct {
	ctx     context.Context
	session *Session
	frame   *Frame
	id      cdpruntime.ExecutionContextID
	world   executionWorld
	logger  *log.Logger

	destroyedOnce sync.Once
	destroyed     chan struct{}
}

// NewExecutionContext creates a new execution context.
func NewExecutionContext(
	ctx context.Context, session *Session, frame *Frame,
	id cdpruntime.ExecutionContextID, world executionWorld, logger *log.Logger,
) *ExecutionContext {
	var fid cdp.FrameID
	if frame != nil {
		fid = frame.ID()
	}
	logger.Debugf("NewExecutionContext", "sid:%v fid:%v ectxid:%d world:%s",
		session.ID(), fid, id, world)
	return &ExecutionContext{
		ctx:       ctx,
		session:   session,
		frame:     frame,
		id:        id,
		world:     world,
		logger:    logger,
		destroyed: make(chan struct{}),
	}
}

// ID returns the protocol id of the execution context.
func (e *ExecutionContext) ID() cdpruntime.ExecutionContextID { return e.id }

// Frame returns the frame the context belongs to.
func (e *ExecutionContext) Frame() *Frame { return e.frame }

// World returns which world of the frame the context lives in.
func (e *ExecutionContext) World() executionWorld { return e.world }

// Session returns the session the context was announced on.
func (e *ExecutionContext) Session() *Session { return e.session }

// Destroyed reports whether the context has been torn down.
func (e *ExecutionContext) Destroyed() bool {
	select {
	case <-e.destroyed:
		return true
	default:
		return false
	}
}

func (e *ExecutionContext) markDestroyed() {
	e.destroyedOnce.Do(func() {
		var fid cdp.FrameID
		if e.frame != nil {
			fid = e.frame.ID()
		}
		e.logger.Debugf("ExecutionContext:markDestroyed",
			"sid:%v fid:%v ectxid:%d", e.session.ID(), fid, e.id)
		close(e.destroyed)
	})
}

// Evaluate runs js in this context and returns its value. With no args,
// js is evaluated as an expression; with args it must be a function
// expression, called with the args converted to protocol values. Promises
// are awaited.
func (e *ExecutionContext) Evaluate(apiCtx context.Context, js string, args ...any) (any, error) {
	if e.Destroyed() {
		return nil, fmt.Errorf("evaluating in context %d: %w", e.id, ErrContextDestroyed)
	}

	var (
		remoteObject     *cdpruntime.RemoteObject
		exceptionDetails *cdpruntime.ExceptionDetails
		err              error
	)
	execCtx := cdp.WithExecutor(apiCtx, e.session)

	if len(args) == 0 {
		expression := js
		if !strings.HasSuffix(expression, sourceURLSuffix) {
			expression += sourceURLSuffix
		}
		action := cdpruntime.Evaluate(expression).
			WithContextID(e.id).
			WithReturnByValue(true).
			WithAwaitPromise(true)
		remoteObject, exceptionDetails, err = action.Do(execCtx)
	} else {
		callArgs := make([]*cdpruntime.CallArgument, 0, len(args))
		for _, arg := range args {
			ca, cerr := convertArgument(arg)
			if cerr != nil {
				return nil, fmt.Errorf("evaluating in context %d: %w", e.id, cerr)
			}
			callArgs = append(callArgs, ca)
		}
		action := cdpruntime.CallFunctionOn(js + sourceURLSuffix).
			WithArguments(callArgs).
			WithExecutionContextID(e.id).
			WithReturnByValue(true).
			WithAwaitPromise(true)
		remoteObject, exceptionDetails, err = action.Do(execCtx)
	}

	if err != nil {
		if e.Destroyed() || isContextDestroyedError(err) {
			e.markDestroyed()
			return nil, fmt.Errorf("evaluating in context %d: %w", e.id, ErrContextDestroyed)
		}
		return nil, fmt.Errorf("evaluating in context %d: %w", e.id, err)
	}
	if exceptionDetails != nil {
		return nil, fmt.Errorf("evaluating in context %d: %s", e.id, parseExceptionDetails(exceptionDetails))
	}
	if remoteObject == nil {
		return nil, nil
	}
	return valueFromRemoteObject(remoteObject)
}

func isContextDestroyedError(err error) bool {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == devToolsServerErrorCode &&
		strings.Contains(pe.Message, "Cannot find context with specified id")
}

func parseExceptionDetails(details *cdpruntime.ExceptionDetails) string {
	if details == nil {
		return ""
	}
	if details.Exception != nil {
		if details.Exception.Description != "" {
			return details.Exception.Description
		}
		if v, err := valueFromRemoteObject(details.Exception); err == nil && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return details.Text
}

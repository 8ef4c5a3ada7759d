package flow

import (
	"context"
	"errors"
)

// ErrAborted is the cause attached to an aborted token and the error returned
// by pending requests when their thread aborts.
var ErrAborted = errors.New("Aborted by user.")

// AbortToken is a cancellation token that can be invalidated once. A Thread
// replaces its token with a fresh one after every abort.
type AbortToken struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewAbortToken creates a live token.
func NewAbortToken() *AbortToken {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &AbortToken{ctx: ctx, cancel: cancel}
}

// Abort invalidates the token. Calling it again has no effect.
func (t *AbortToken) Abort() { t.cancel(ErrAborted) }

// Aborted reports whether the token was invalidated.
func (t *AbortToken) Aborted() bool { return t.ctx.Err() != nil }

// Done is closed when the token is invalidated.
func (t *AbortToken) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns a context that is canceled, with ErrAborted as cause, on abort.
func (t *AbortToken) Context() context.Context { return t.ctx }

// Bind returns a child of parent that is also canceled when the token aborts.
func (t *AbortToken) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(t.ctx, func() { cancel(ErrAborted) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

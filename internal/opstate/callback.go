package opstate

import (
	"context"
	"time"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// callbackPollDelay is the cadence a callback polls at once started
// (spec.md §4.G.4).
const callbackPollDelay = 200 * time.Millisecond

// CallbackConfig configures a callback.
type CallbackConfig struct {
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
}

// Callback implements spec.md §4.G.4: a backend-assigned token an external
// caller resolves, surfaced to the user as CallbackID().
type Callback struct {
	*Base
	callbackID string
	startErr   error
}

// NewCallback constructs, registers, and dispatches a callback's execute()
// phase, which (unlike step/wait/invoke) blocks the calling goroutine on
// the START checkpoint so the backend-assigned callback id can be read
// back before returning (spec.md §4.G.4: "emit START ..., then read back
// the backend-assigned callback_id from the freshly updated store").
func NewCallback(ctx context.Context, mgr *execmgr.Manager, id, name, parentID string, ser serdes.Serializer, cfg CallbackConfig, execLogger *logiface.Logger[logiface.Event]) *Callback {
	c := &Callback{
		Base: NewBase(mgr, id, name, backendclient.KindCallback, parentID, ser, nil, execLogger),
	}
	c.execute(ctx, cfg)
	return c
}

func (c *Callback) execute(ctx context.Context, cfg CallbackConfig) {
	stored, ok := c.GetOperation()
	if !ok {
		c.start(ctx, cfg)
		return
	}

	if err := c.ValidateReplay(&stored); err != nil {
		c.startErr = err
		return
	}

	if stored.Callback != nil {
		c.callbackID = stored.Callback.CallbackID
	}

	if stored.Status.IsTerminal() {
		c.MarkAlreadyCompleted(stored)
		return
	}

	if stored.Status == backendclient.StatusStarted && stored.Callback == nil {
		// A STARTED record with no callback_id (spec.md §9 open question c,
		// resolved as: treat as if absent) — polling would wait forever on
		// an id that was never assigned, so emit a fresh START instead.
		c.start(ctx, cfg)
		return
	}

	c.startPoll(ctx)
}

// start emits a fresh START checkpoint, reads back the backend-assigned
// callback_id, and begins polling for resolution (spec.md §4.G.4).
func (c *Callback) start(ctx context.Context, cfg CallbackConfig) {
	update := backendclient.OperationUpdate{
		Action: backendclient.ActionStart,
		CallbackOptions: &backendclient.CallbackOptions{
			TimeoutSeconds:          int64(cfg.Timeout / time.Second),
			HeartbeatTimeoutSeconds: int64(cfg.HeartbeatTimeout / time.Second),
		},
	}
	if err := c.AwaitUpdate(ctx, update); err != nil {
		c.startErr = err
		return
	}
	if op, ok := c.GetOperation(); ok && op.Callback != nil {
		c.callbackID = op.Callback.CallbackID
	}
	c.startPoll(ctx)
}

func (c *Callback) startPoll(ctx context.Context) {
	go func() {
		op, err := c.PollUntil(ctx, callbackPollDelay, func(op backendclient.Operation) bool {
			return op.Status.IsTerminal()
		})
		if err != nil {
			return // Suspend: nothing further to do
		}
		c.MarkAlreadyCompleted(op)
	}()
}

// CallbackID returns the backend-assigned callback id, published once
// execute() returns (spec.md §4.G.4: "the callback_id is published by
// callback_id() accessor once execute returns").
func (c *Callback) CallbackID() string { return c.callbackID }

// Get implements spec.md §4.G.4's status-to-outcome mapping.
func (c *Callback) Get(ctx context.Context, threadID string, target any) error {
	if c.startErr != nil {
		return c.startErr
	}

	op, err := c.WaitForCompletion(ctx, threadID)
	if err != nil {
		return err
	}

	switch op.Status {
	case backendclient.StatusSucceeded:
		result := ""
		if op.Callback != nil {
			result = op.Callback.Result
		}
		return c.DeserializeResult(result, target)
	case backendclient.StatusFailed:
		return &errorsx.CallbackFailedError{Object: toErrorObject(callbackError(op))}
	case backendclient.StatusTimedOut:
		return &errorsx.CallbackTimeoutError{Object: toErrorObject(callbackError(op))}
	default:
		reason := "callback resolved in unexpected status " + string(op.Status)
		c.Manager.Terminate(&errorsx.IllegalOperationError{Reason: reason})
		return &errorsx.IllegalOperationError{Reason: reason}
	}
}

func callbackError(op backendclient.Operation) *backendclient.WireError {
	if op.Callback != nil && op.Callback.Error != nil {
		return op.Callback.Error
	}
	return op.Error
}

package durable

import (
	"context"
	"strconv"
	"time"

	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/internal/opstate"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// Re-exported so callers configuring steps/invokes/callbacks only need to
// import the root package (spec.md §4.G).
type (
	StepConfig     = opstate.StepConfig
	StepSemantics  = opstate.Semantics
	StepFunc[T any] = opstate.StepFunc[T]
)

const (
	AtLeastOncePerRetry = opstate.AtLeastOncePerRetry
	AtMostOncePerRetry  = opstate.AtMostOncePerRetry
)

// InvokeConfig configures a chained invoke. PayloadSerializer and
// Serializer default to the context's configured serializer when nil
// (spec.md §4.G.3 "payload_serDes?", "serDes?").
type InvokeConfig struct {
	Timeout           time.Duration
	TenantID          string
	PayloadSerializer serdes.Serializer
	Serializer        serdes.Serializer
}

// CallbackConfig configures a callback. Serializer defaults to the
// context's configured serializer when nil.
type CallbackConfig struct {
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
	Serializer       serdes.Serializer
}

// DurableContext is the user's only entry point into the durable
// execution runtime (spec.md §4.H).
type DurableContext struct {
	manager   *execmgr.Manager
	contextID string
	threadID  string
	counter   int64

	serializer          serdes.Serializer
	exceptionSerializer serdes.ExceptionSerializer
	logger              *logiface.Logger[logiface.Event]

	replay bool
}

func newDurableContext(manager *execmgr.Manager, contextID, threadID string, ser serdes.Serializer, exSer serdes.ExceptionSerializer, logger *logiface.Logger[logiface.Event]) *DurableContext {
	return &DurableContext{
		manager:             manager,
		contextID:           contextID,
		threadID:            threadID,
		serializer:          ser,
		exceptionSerializer: exSer,
		logger:              logger,
		replay:              manager.HasChildOf(contextID),
	}
}

// IsReplay reports this context's own per-context replay-mode flag
// (spec.md §4.H), independent of the global execution mode exposed by
// Manager.IsReplay.
func (c *DurableContext) IsReplay() bool { return c.replay }

// nextID mints the next operation id under this context: deterministic
// when called in identical code order across replays (spec.md §4.H "Id
// minting").
func (c *DurableContext) nextID() string {
	c.counter++
	n := strconv.FormatInt(c.counter, 10)
	if c.contextID == "" {
		return n
	}
	return c.contextID + "-" + n
}

// StepHandle is the async handle returned by StepAsync.
type StepHandle[T any] struct {
	op *opstate.Step[T]
	c  *DurableContext
}

// Get blocks for the step's result (spec.md §4.G.1 "Result path").
func (h *StepHandle[T]) Get(ctx context.Context) (T, error) {
	return h.op.Get(ctx, h.c.threadID)
}

// StepAsync creates and dispatches a step without blocking for its result
// (spec.md §4.H "step_async").
func StepAsync[T any](ctx context.Context, c *DurableContext, name string, fn StepFunc[T], cfg ...StepConfig) *StepHandle[T] {
	var sc StepConfig
	if len(cfg) > 0 {
		sc = cfg[0]
	}
	id := c.nextID()
	op := opstate.NewStep[T](ctx, c.manager, id, name, c.contextID, c.serializer, c.exceptionSerializer, fn, sc, c.logger)
	return &StepHandle[T]{op: op, c: c}
}

// Step creates a step, dispatches it, and blocks for its result (spec.md
// §4.H: "Non-async variants create the operation, call execute, then
// get").
func Step[T any](ctx context.Context, c *DurableContext, name string, fn StepFunc[T], cfg ...StepConfig) (T, error) {
	return StepAsync[T](ctx, c, name, fn, cfg...).Get(ctx)
}

// Wait creates a WAIT operation and blocks until the backend releases it
// (spec.md §4.G.2, §4.H "wait").
func Wait(ctx context.Context, c *DurableContext, name string, duration time.Duration) error {
	if duration < time.Second {
		return &ArgumentError{Reason: "wait duration must be at least 1 second"}
	}
	id := c.nextID()
	op := opstate.NewWait(ctx, c.manager, id, name, c.contextID, c.serializer, duration, c.logger)
	return op.Get(ctx, c.threadID)
}

// InvokeHandle is the async handle returned by InvokeAsync.
type InvokeHandle[T any] struct {
	op *opstate.Invoke
	c  *DurableContext
}

// Get blocks for the invoke's mapped outcome (spec.md §4.G.3 "get()").
func (h *InvokeHandle[T]) Get(ctx context.Context) (T, error) {
	var result T
	err := h.op.Get(ctx, h.c.threadID, &result)
	return result, err
}

// InvokeAsync creates and dispatches a chained invoke without blocking for
// its result (spec.md §4.H "invoke_async").
func InvokeAsync[T any](ctx context.Context, c *DurableContext, name, functionName string, payload any, cfg ...InvokeConfig) *InvokeHandle[T] {
	var ic InvokeConfig
	if len(cfg) > 0 {
		ic = cfg[0]
	}
	payloadSer := ic.PayloadSerializer
	if payloadSer == nil {
		payloadSer = c.serializer
	}
	resultSer := ic.Serializer
	if resultSer == nil {
		resultSer = c.serializer
	}

	id := c.nextID()
	serializedPayload, err := payloadSer.Serialize(payload)
	if err != nil {
		c.manager.Terminate(&SerializationError{Cause: err})
	}

	op := opstate.NewInvoke(ctx, c.manager, id, name, c.contextID, resultSer, functionName, serializedPayload, opstate.InvokeConfig{
		Timeout:  ic.Timeout,
		TenantID: ic.TenantID,
	}, c.logger)
	return &InvokeHandle[T]{op: op, c: c}
}

// Invoke creates a chained invoke, dispatches it, and blocks for its
// mapped outcome (spec.md §4.H "invoke").
func Invoke[T any](ctx context.Context, c *DurableContext, name, functionName string, payload any, cfg ...InvokeConfig) (T, error) {
	return InvokeAsync[T](ctx, c, name, functionName, payload, cfg...).Get(ctx)
}

// CallbackHandle exposes the backend-assigned callback id (valid once the
// constructor returns, spec.md §4.G.4) and the blocking Get.
type CallbackHandle[T any] struct {
	op *opstate.Callback
	c  *DurableContext
}

// CallbackID returns the backend-assigned callback token.
func (h *CallbackHandle[T]) CallbackID() string { return h.op.CallbackID() }

// Get blocks for the callback's mapped outcome (spec.md §4.G.4 "get()").
func (h *CallbackHandle[T]) Get(ctx context.Context) (T, error) {
	var result T
	err := h.op.Get(ctx, h.c.threadID, &result)
	return result, err
}

// Callback creates a CALLBACK operation, blocking only until the backend
// assigns its id, not for the eventual result (spec.md §4.H "callback",
// §4.G.4).
func Callback[T any](ctx context.Context, c *DurableContext, name string, cfg ...CallbackConfig) *CallbackHandle[T] {
	var cc CallbackConfig
	if len(cfg) > 0 {
		cc = cfg[0]
	}
	ser := cc.Serializer
	if ser == nil {
		ser = c.serializer
	}
	id := c.nextID()
	op := opstate.NewCallback(ctx, c.manager, id, name, c.contextID, ser, opstate.CallbackConfig{
		Timeout:          cc.Timeout,
		HeartbeatTimeout: cc.HeartbeatTimeout,
	}, c.logger)
	return &CallbackHandle[T]{op: op, c: c}
}

// RunInChildContext runs fn inside a nested DurableContext whose own
// operations replay deterministically, checkpointing the result (or, past
// the 256 KiB threshold, re-running fn on every replay instead; spec.md
// §4.G.5, §4.H "run_in_child_context").
func RunInChildContext[T any](ctx context.Context, c *DurableContext, name string, fn func(ctx context.Context, child *DurableContext) (T, error)) (T, error) {
	id := c.nextID()
	runner := func(childCtx context.Context, childID string) (T, error) {
		child := newDurableContext(c.manager, childID, childID, c.serializer, c.exceptionSerializer, c.logger)
		return fn(childCtx, child)
	}
	op := opstate.NewChildContext[T](ctx, c.manager, id, name, c.contextID, c.serializer, c.exceptionSerializer, runner, c.logger)
	return op.Get(ctx, c.threadID)
}

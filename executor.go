// Package durable is the client-side durable-execution runtime (spec.md
// §1-§9): a DurableContext exposing step/wait/invoke/callback/child-context
// operations, checkpointed through a batching writer to a remote backend,
// replayable from any point in the operation log.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/checkpoint"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/logging"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// ResultStatus is one of the three invocation outcomes spec.md §6
// "Invocation output" defines.
type ResultStatus string

const (
	ResultPending ResultStatus = "PENDING"
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
)

// Result is the outcome of one Executor.Execute call (spec.md §6).
type Result struct {
	Status  ResultStatus
	Payload string
	Error   *ErrorObject
}

// HandlerFunc is the user's durable function: it receives the cancellable
// invocation context, the root DurableContext, and the deserialized
// invocation input.
type HandlerFunc[In, Out any] func(ctx context.Context, dc *DurableContext, input In) (Out, error)

// ExecutorConfig configures an Executor. Serializer defaults to
// serdes.JSON{} when nil.
type ExecutorConfig struct {
	Client              backendclient.Client
	Serializer          serdes.Serializer
	ExceptionSerializer serdes.ExceptionSerializer
	CheckpointConfig    checkpoint.Config

	// Logger overrides the default logiface logger (spec.md §6
	// "Observability"). Defaults to a logiface-slog logger over a JSON
	// handler on stderr when nil.
	Logger *logiface.Logger[logiface.Event]
	// DisableReplayLogSuppression keeps the default logger emitting records
	// even while the execution manager reports REPLAY mode. Has no effect
	// when Logger is set explicitly (the caller owns suppression then).
	DisableReplayLogSuppression bool
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Serializer == nil {
		c.Serializer = serdes.JSON{}
	}
	return c
}

// Executor is the top-level driver (spec.md §4.I): one Execute call per
// invocation.
type Executor[In, Out any] struct {
	cfg     ExecutorConfig
	handler HandlerFunc[In, Out]
}

// NewExecutor constructs an Executor bound to handler.
func NewExecutor[In, Out any](handler HandlerFunc[In, Out], cfg ExecutorConfig) *Executor[In, Out] {
	return &Executor[In, Out]{cfg: cfg.withDefaults(), handler: handler}
}

// Execute implements spec.md §4.I's eight steps.
func (e *Executor[In, Out]) Execute(ctx context.Context, arn, token string, initial backendclient.ExecutionStatePage) (Result, error) {
	// Step 1: the first operation must exist and be EXECUTION.
	if len(initial.Operations) == 0 || initial.Operations[0].Kind != backendclient.KindExecution {
		return Result{}, &IllegalOperationError{Reason: "initial_state.operations[0] must be an EXECUTION operation"}
	}
	execOp := initial.Operations[0]

	// Step 2: construct E, eagerly pulling remaining pages.
	mgr, err := execmgr.New(ctx, e.cfg.Client, arn, token, initial, e.cfg.CheckpointConfig)
	if err != nil {
		return Result{}, err
	}
	defer mgr.Shutdown() // step 8: drain E

	// Step 3: extract user input via the serializer.
	var input In
	if execOp.Execution != nil && execOp.Execution.InputPayload != "" {
		if derr := e.cfg.Serializer.Deserialize(execOp.Execution.InputPayload, &input); derr != nil {
			return Result{}, &SerializationError{Cause: derr}
		}
	}

	// Step 4: construct the root DurableContext, registering the Root
	// thread.
	mgr.RegisterThread("Root")
	execLogger := e.cfg.Logger
	if execLogger == nil {
		var checker logging.ReplayChecker
		if !e.cfg.DisableReplayLogSuppression {
			checker = mgr
		}
		execLogger = logging.NewLogger(slog.NewJSONHandler(os.Stderr, nil), checker)
	}
	execLogger = logging.ExecutionFields(execLogger, arn, token).Logger()
	root := newDurableContext(mgr, "", "Root", e.cfg.Serializer, e.cfg.ExceptionSerializer, execLogger)

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Step 5: dispatch the user handler on a worker.
	type outcome struct {
		result Out
		err    error
	}
	done := make(chan struct{})
	var final outcome
	go func() {
		defer func() {
			_ = mgr.DeregisterThread("Root") // Suspend: swallowed, already published
		}()
		result, herr := e.handler(handlerCtx, root, input)
		final = outcome{result: result, err: herr}
		close(done) // before Root's deregistration can raise Suspend
	}()

	// Step 6: race the user handler against the execution-exception
	// signal.
	resolveErr := mgr.RunUntilCompleteOrSuspend(done, func() error { return final.err })
	if IsSuspend(resolveErr) {
		select {
		case <-done:
			// the handler finished; its outcome wins over a Suspend raised
			// concurrently (e.g. by Root's own deregistration)
			resolveErr = final.err
		default:
		}
	}

	// Step 7: resolution.
	switch {
	case IsSuspend(resolveErr):
		cancel()
		return Result{Status: ResultPending}, nil
	case resolveErr != nil:
		if u, ok := AsUnrecoverable(resolveErr); ok {
			return Result{Status: ResultFailed, Error: toResultError(u.Cause)}, nil
		}
		return Result{Status: ResultFailed, Error: toResultError(resolveErr)}, nil
	default:
		payload, serr := e.cfg.Serializer.Serialize(final.result)
		if serr != nil {
			return Result{Status: ResultFailed, Error: toResultError(serr)}, nil
		}
		return Result{Status: ResultSuccess, Payload: payload}, nil
	}
}

func toResultError(err error) *ErrorObject {
	var eo *ErrorObject
	if errors.As(err, &eo) {
		return eo
	}
	return &ErrorObject{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

package opstate

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/internal/threadctx"
	"github.com/joeycumines/go-durable/retrypolicy"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// stepPollDelay is the cadence a step polls for READY after a RETRY
// checkpoint; the backend owns the actual delay countdown (spec.md §4.G.1).
const stepPollDelay = 200 * time.Millisecond

// Semantics selects a step's at-least-once vs at-most-once checkpoint
// discipline (spec.md §4.G.1).
type Semantics int

const (
	AtLeastOncePerRetry Semantics = iota
	AtMostOncePerRetry
)

// StepConfig configures a Step. The zero value uses
// retrypolicy.DefaultExponential and AtLeastOncePerRetry.
type StepConfig struct {
	RetryPolicy retrypolicy.Policy
	Semantics   Semantics
}

func (c StepConfig) withDefaults() StepConfig {
	if c.RetryPolicy == nil {
		c.RetryPolicy = retrypolicy.DefaultExponential
	}
	if exp, ok := c.RetryPolicy.(retrypolicy.Exponential); ok {
		c.RetryPolicy = exp.WithValidatedJitter()
	}
	return c
}

// StepFunc is the user function a Step dispatches: the thread-local
// context arriving identifies the calling step (spec.md §4.G.1 "Run
// body").
type StepFunc[T any] func(ctx context.Context) (T, error)

// Step implements spec.md §4.G.1: a checkpointed, optionally-retried call
// to a user function, with AT_LEAST_ONCE_PER_RETRY or
// AT_MOST_ONCE_PER_RETRY checkpoint semantics.
type Step[T any] struct {
	*Base
	fn  StepFunc[T]
	cfg StepConfig
}

// NewStep constructs, registers, and dispatches a Step's execute() phase in
// one call, mirroring spec.md §4.H: "non-async variants create the
// operation, call execute, then get".
func NewStep[T any](ctx context.Context, mgr *execmgr.Manager, id, name, parentID string, ser serdes.Serializer, exSer serdes.ExceptionSerializer, fn StepFunc[T], cfg StepConfig, execLogger *logiface.Logger[logiface.Event]) *Step[T] {
	s := &Step[T]{
		Base: NewBase(mgr, id, name, backendclient.KindStep, parentID, ser, exSer, execLogger),
		fn:   fn,
		cfg:  cfg.withDefaults(),
	}
	s.execute(ctx)
	return s
}

// execute implements spec.md §4.G.1's execute() dispatch table.
func (s *Step[T]) execute(ctx context.Context) {
	stored, ok := s.GetOperation()
	if !ok {
		s.dispatch(ctx, 0, true, nil)
		return
	}
	if err := s.ValidateReplay(&stored); err != nil {
		return
	}
	switch {
	case stored.Status.IsTerminal():
		s.MarkAlreadyCompleted(stored)
	case stored.Status == backendclient.StatusStarted:
		if s.cfg.Semantics == AtMostOncePerRetry {
			s.dispatch(ctx, stored.Attempt+1, false, &errorsx.StepInterruptedError{OperationID: s.ID})
		} else {
			s.dispatch(ctx, stored.Attempt, false, nil)
		}
	case stored.Status == backendclient.StatusPending:
		go func() {
			op, err := s.PollUntil(ctx, stepPollDelay, func(op backendclient.Operation) bool {
				return op.Status == backendclient.StatusReady || op.Status.IsTerminal()
			})
			if err != nil {
				return // Suspend: already published, nothing further to do here
			}
			if op.Status.IsTerminal() {
				s.MarkAlreadyCompleted(op)
				return
			}
			// A RETRY checkpoint has no STARTED record for this attempt yet.
			s.dispatch(ctx, op.Attempt, true, nil)
		}()
	case stored.Status == backendclient.StatusReady:
		// Same as the polled-READY case above: this attempt was never
		// STARTED (the prior attempt's RETRY left it here).
		s.dispatch(ctx, stored.Attempt, true, nil)
	}
}

// dispatch registers the step thread, then runs the attempt loop on a
// dedicated goroutine (spec.md §4.G.1 "Run body" step 1: "Register a
// step-thread id before dispatching to the user executor so the handler
// thread cannot deregister first and race into suspension").
func (s *Step[T]) dispatch(ctx context.Context, attempt int, emitStart bool, presetErr error) {
	threadID := s.ID + "-step"
	s.Manager.RegisterThread(threadID)
	go func() {
		defer func() {
			_ = s.Manager.DeregisterThread(threadID) // Suspend: already published, swallow
		}()
		stepCtx := threadctx.With(ctx, s.ID, threadctx.KindStep)
		s.runLoop(stepCtx, attempt, emitStart, presetErr)
	}()
}

func (s *Step[T]) runLoop(ctx context.Context, attempt int, emitStart bool, presetErr error) {
	for {
		var (
			result T
			err    error
		)
		if presetErr != nil {
			err = presetErr
			presetErr = nil
		} else {
			if emitStart {
				if serr := s.emitStart(ctx); serr != nil {
					return
				}
			}
			result, err = s.fn(ctx)
		}

		if err == nil {
			s.succeed(ctx, result)
			return
		}

		cont, next := s.handleFailure(ctx, err, attempt)
		if !cont {
			return
		}
		attempt = next
		// A successful RETRY checkpoint + READY poll starts a fresh attempt
		// with no STARTED record of its own yet.
		emitStart = true
	}
}

func (s *Step[T]) emitStart(ctx context.Context) error {
	update := backendclient.OperationUpdate{Action: backendclient.ActionStart}
	if s.cfg.Semantics == AtMostOncePerRetry {
		if err := s.AwaitUpdate(ctx, update); err != nil {
			s.HandleUpdateError(err)
			return err
		}
		return nil
	}
	s.SendUpdate(update)
	return nil
}

func (s *Step[T]) succeed(ctx context.Context, result T) {
	payload, err := s.SerializeResult(result)
	if err != nil {
		s.Manager.Terminate(err)
		return
	}
	update := backendclient.OperationUpdate{Action: backendclient.ActionSucceed, Payload: payload}
	if err := s.AwaitUpdate(ctx, update); err != nil {
		s.HandleUpdateError(err)
	}
}

func (s *Step[T]) handleFailure(ctx context.Context, cause error, attempt int) (bool, int) {
	if u, ok := errorsx.AsUnrecoverable(cause); ok {
		s.Manager.Terminate(u)
		return false, 0
	}

	var interrupted *errorsx.StepInterruptedError
	if errors.As(cause, &interrupted) {
		s.emitFail(ctx, cause)
		return false, 0
	}

	decision := s.cfg.RetryPolicy.Decide(cause, attempt)
	if !decision.Retry {
		s.emitFail(ctx, cause)
		return false, 0
	}
	s.logCtx(attempt).Logger().Warning().Err(cause).Dur("delay", decision.Delay).Log("step failed, retrying")

	update := backendclient.OperationUpdate{
		Action: backendclient.ActionRetry,
		Error:  s.ToWireError(cause),
		StepOptions: &backendclient.StepOptions{
			NextAttemptDelaySeconds: int64(decision.Delay / time.Second),
		},
	}
	if err := s.AwaitUpdate(ctx, update); err != nil {
		s.HandleUpdateError(err)
		return false, 0
	}

	if _, err := s.PollUntil(ctx, stepPollDelay, func(op backendclient.Operation) bool {
		return op.Status == backendclient.StatusReady
	}); err != nil {
		s.HandleUpdateError(err)
		return false, 0
	}

	return true, attempt + 1
}

func (s *Step[T]) emitFail(ctx context.Context, cause error) {
	update := backendclient.OperationUpdate{Action: backendclient.ActionFail, Error: s.ToWireError(cause)}
	if err := s.AwaitUpdate(ctx, update); err != nil {
		s.HandleUpdateError(err)
	}
}

// Get implements spec.md §4.G.1's "Result path": block for completion,
// then decode the terminal snapshot into a (T, error) pair.
func (s *Step[T]) Get(ctx context.Context, threadID string) (T, error) {
	var zero T

	op, err := s.WaitForCompletion(ctx, threadID)
	if err != nil {
		return zero, err
	}

	switch op.Status {
	case backendclient.StatusSucceeded:
		var result T
		if derr := s.DeserializeResult(op.Result, &result); derr != nil {
			return zero, derr
		}
		return result, nil
	case backendclient.StatusFailed:
		if op.Error != nil && op.Error.Type == "*errorsx.StepInterruptedError" {
			return zero, &errorsx.StepInterruptedError{OperationID: s.ID}
		}
		if s.ExceptionSerializer != nil && op.Error != nil && op.Error.Data != "" {
			if original, derr := s.ExceptionSerializer.DeserializeException(op.Error.Data); derr == nil {
				return zero, original
			}
		}
		return zero, &errorsx.StepFailedError{Object: toErrorObject(op.Error)}
	default:
		return zero, &errorsx.IllegalOperationError{Reason: "step resolved in non-terminal status " + string(op.Status)}
	}
}

func toErrorObject(w *backendclient.WireError) *errorsx.ErrorObject {
	if w == nil {
		return &errorsx.ErrorObject{}
	}
	return &errorsx.ErrorObject{Type: w.Type, Message: w.Message, Data: w.Data, StackTrace: w.StackTrace}
}

package opstate

import (
	"context"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/internal/threadctx"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// maxInlinePayloadBytes is the 256 KiB threshold past which a child
// context's result is not checkpointed as payload (spec.md §4.G.5).
const maxInlinePayloadBytes = 256 * 1024

// ChildRunner is supplied by the root package: it builds a child
// DurableContext rooted at childID and invokes the user function. Kept as
// a plain function (rather than opstate depending on the root package's
// DurableContext type) to avoid an import cycle, since the root package
// already imports internal/opstate.
type ChildRunner[T any] func(ctx context.Context, childID string) (T, error)

// ChildContext implements spec.md §4.G.5: a nested DurableContext whose
// own operations replay deterministically, with a 256 KiB inline-payload
// threshold past which the runtime instead re-executes the child function
// on every replay to reconstruct the result.
type ChildContext[T any] struct {
	*Base
	run ChildRunner[T]

	stashedResult T
	haveStash     bool
}

// NewChildContext constructs, registers, and dispatches a child context's
// execute() phase.
func NewChildContext[T any](ctx context.Context, mgr *execmgr.Manager, id, name, parentID string, ser serdes.Serializer, exSer serdes.ExceptionSerializer, run ChildRunner[T], execLogger *logiface.Logger[logiface.Event]) *ChildContext[T] {
	cc := &ChildContext[T]{
		Base: NewBase(mgr, id, name, backendclient.KindContext, parentID, ser, exSer, execLogger),
		run:  run,
	}
	cc.execute(ctx)
	return cc
}

func (cc *ChildContext[T]) execute(ctx context.Context) {
	stored, ok := cc.GetOperation()
	if !ok {
		cc.SendUpdate(backendclient.OperationUpdate{Action: backendclient.ActionStart})
		cc.dispatch(ctx, false, backendclient.Operation{})
		return
	}

	if err := cc.ValidateReplay(&stored); err != nil {
		return
	}

	switch stored.Status {
	case backendclient.StatusStarted:
		cc.dispatch(ctx, false, backendclient.Operation{})
	case backendclient.StatusSucceeded:
		if stored.Context != nil && stored.Context.ReplayChildren {
			cc.dispatch(ctx, true, stored)
			return
		}
		cc.MarkAlreadyCompleted(stored)
	default:
		// FAILED, or any other terminal status: nothing left to reconstruct.
		cc.MarkAlreadyCompleted(stored)
	}
}

// dispatch registers the child's context id on the calling thread before
// handing off to a dedicated goroutine (spec.md §4.G.5 "Running the
// child" step 1: "prevents suspension races"). When reconstructing, the
// child function's own checkpointing is skipped; only the stash and the
// (already-terminal) completion future are updated once it returns.
func (cc *ChildContext[T]) dispatch(ctx context.Context, reconstructing bool, storedForReplay backendclient.Operation) {
	cc.Manager.RegisterThread(cc.ID)
	go func() {
		defer func() {
			_ = cc.Manager.DeregisterThread(cc.ID) // Suspend: already published, swallow
		}()
		childCtx := threadctx.With(ctx, cc.ID, threadctx.KindContext)
		result, err := cc.run(childCtx, cc.ID)

		switch {
		case reconstructing:
			if err == nil {
				cc.stashedResult = result
				cc.haveStash = true
			}
			cc.MarkAlreadyCompleted(storedForReplay)
		case err != nil:
			cc.handleFailure(ctx, err)
		default:
			cc.succeed(ctx, result)
		}
	}()
}

func (cc *ChildContext[T]) succeed(ctx context.Context, result T) {
	payload, err := cc.SerializeResult(result)
	if err != nil {
		cc.Manager.Terminate(err)
		return
	}

	if len(payload) < maxInlinePayloadBytes {
		update := backendclient.OperationUpdate{Action: backendclient.ActionSucceed, Payload: payload}
		if aerr := cc.AwaitUpdate(ctx, update); aerr != nil {
			cc.HandleUpdateError(aerr)
		}
		return
	}

	cc.stashedResult = result
	cc.haveStash = true
	update := backendclient.OperationUpdate{
		Action:         backendclient.ActionSucceed,
		ContextOptions: &backendclient.ContextOptions{ReplayChildren: true},
	}
	if aerr := cc.AwaitUpdate(ctx, update); aerr != nil {
		cc.HandleUpdateError(aerr)
	}
}

func (cc *ChildContext[T]) handleFailure(ctx context.Context, cause error) {
	if errorsx.IsSuspend(cause) {
		return
	}
	if u, ok := errorsx.AsUnrecoverable(cause); ok {
		cc.Manager.Terminate(u)
		return
	}
	update := backendclient.OperationUpdate{Action: backendclient.ActionFail, Error: cc.ToWireError(cause)}
	if err := cc.AwaitUpdate(ctx, update); err != nil {
		cc.HandleUpdateError(err)
	}
}

// Get implements spec.md §4.G.5's result path.
func (cc *ChildContext[T]) Get(ctx context.Context, threadID string) (T, error) {
	var zero T

	op, err := cc.WaitForCompletion(ctx, threadID)
	if err != nil {
		return zero, err
	}

	switch op.Status {
	case backendclient.StatusSucceeded:
		if cc.haveStash {
			return cc.stashedResult, nil
		}
		var result T
		if derr := cc.DeserializeResult(op.Result, &result); derr != nil {
			return zero, derr
		}
		return result, nil
	case backendclient.StatusFailed:
		if cc.ExceptionSerializer != nil && op.Error != nil && op.Error.Data != "" {
			if original, derr := cc.ExceptionSerializer.DeserializeException(op.Error.Data); derr == nil {
				return zero, original
			}
		}
		return zero, &errorsx.ChildContextFailedError{Object: toErrorObject(op.Error)}
	default:
		return zero, &errorsx.IllegalOperationError{Reason: "child context resolved in non-terminal status " + string(op.Status)}
	}
}

// Package opstate implements the base operation (spec.md §4.F) and the
// per-kind state machines (spec.md §4.G): step, wait, chained invoke,
// callback, child context. Each kind embeds *Base for the shared
// lifecycle (registration, completion future, replay validation,
// checkpoint submission) and implements its own Execute/Get per spec.md's
// per-kind dispatch tables.
package opstate

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/internal/futurecell"
	"github.com/joeycumines/go-durable/internal/threadctx"
	"github.com/joeycumines/go-durable/logging"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// DefaultSubmitDelay is the checkpoint coalescing window ordinary
// operation updates are submitted with, letting concurrently-created
// operations land in the same round trip (spec.md §4.D "Submit contract").
// Updates that must be confirmed before proceeding (e.g. an
// AT_MOST_ONCE_PER_RETRY step's START) still use this delay and then block
// on the returned future; the delay only affects how soon the batcher
// *tries* to dispatch, not whether the caller waits.
const DefaultSubmitDelay = 15 * time.Millisecond

// Base holds everything spec.md §4.F calls out as shared: id, name, kind,
// parent id, the serializer, and a completion future, registering itself
// with the execution manager on construction.
type Base struct {
	Manager  *execmgr.Manager
	ID       string
	Name     string
	Kind     backendclient.OperationKind
	ParentID string

	Serializer          serdes.Serializer
	ExceptionSerializer serdes.ExceptionSerializer // optional, may be nil

	execLogger *logiface.Logger[logiface.Event]

	completion *futurecell.Cell[backendclient.Operation]
}

// NewBase constructs and registers a Base with mgr. execLogger is the
// execution-scoped logger (spec.md §6 "Observability"); may be nil, in
// which case logging calls are no-ops.
func NewBase(mgr *execmgr.Manager, id, name string, kind backendclient.OperationKind, parentID string, ser serdes.Serializer, exSer serdes.ExceptionSerializer, execLogger *logiface.Logger[logiface.Event]) *Base {
	b := &Base{
		Manager:             mgr,
		ID:                  id,
		Name:                name,
		Kind:                kind,
		ParentID:            parentID,
		Serializer:          ser,
		ExceptionSerializer: exSer,
		execLogger:          execLogger,
		completion:          futurecell.New[backendclient.Operation](),
	}
	mgr.Register(b)
	b.logCtx(0).Logger().Debug().Log("operation registered")
	return b
}

// logCtx builds the per-operation MDC fields (spec.md §6: operation id,
// name, kind, attempt), safe to call even with a nil execLogger since
// logiface.Context methods tolerate a nil receiver.
func (b *Base) logCtx(attempt int) *logiface.Context[logiface.Event] {
	return logging.OperationFields(b.execLogger, b.ID, b.Name, string(b.Kind), attempt)
}

// OperationID implements execmgr.Registrable.
func (b *Base) OperationID() string { return b.ID }

// OnCheckpointComplete implements execmgr.Registrable's default behavior
// (spec.md §4.F): complete the completion future once the operation's
// snapshot reaches a terminal status.
func (b *Base) OnCheckpointComplete(op backendclient.Operation) {
	if op.Status.IsTerminal() {
		b.logCtx(op.Attempt).Logger().Info().Str("status", string(op.Status)).Log("operation resolved")
		b.completion.Resolve(op)
	}
}

// GetOperation looks up the current stored snapshot via the execution
// manager, flipping replay mode as a side effect (spec.md §4.F
// "get_operation").
func (b *Base) GetOperation() (backendclient.Operation, bool) {
	return b.Manager.Lookup(b.ID)
}

// MarkAlreadyCompleted immediately resolves the completion future with a
// terminal stored snapshot, used when replay finds the operation already
// terminal (spec.md §4.F "mark_already_completed").
func (b *Base) MarkAlreadyCompleted(op backendclient.Operation) {
	b.completion.Resolve(op)
}

// ValidateReplay compares a stored snapshot's (kind, name) against this
// operation's expectations. A mismatch terminates the execution as
// unrecoverable non-determinism (spec.md §4.F "validate_replay", §7).
// Absence of a stored snapshot is not a mismatch.
func (b *Base) ValidateReplay(stored *backendclient.Operation) error {
	if stored == nil {
		return nil
	}
	if stored.Kind == b.Kind && stored.Name == b.Name {
		return nil
	}
	err := &errorsx.NonDeterministicExecutionError{
		OperationID:  b.ID,
		ExpectedKind: string(b.Kind),
		ExpectedName: b.Name,
		StoredKind:   string(stored.Kind),
		StoredName:   stored.Name,
	}
	b.Manager.Terminate(err)
	return err
}

// SendUpdate submits update (after filling in id/kind/parent_id/name) to
// the batcher, returning the confirmation future (spec.md §4.F
// "send_update").
func (b *Base) SendUpdate(update backendclient.OperationUpdate) *futurecell.Cell[error] {
	update.ID = b.ID
	update.Kind = b.Kind
	update.ParentID = b.ParentID
	update.Name = b.Name
	return b.Manager.Batcher.Submit(&update, DefaultSubmitDelay)
}

// AwaitUpdate submits update and blocks until it is confirmed (spec.md
// §4.F "send_update_async" is the non-blocking counterpart: just call
// SendUpdate and ignore the returned future).
func (b *Base) AwaitUpdate(ctx context.Context, update backendclient.OperationUpdate) error {
	cell := b.SendUpdate(update)
	res, ok := cell.Wait(ctx.Done())
	if !ok {
		return errorsx.Suspend
	}
	return res
}

// WaitForCompletion implements spec.md §4.F's wait_for_completion: if the
// current logical thread is a step, nested operations are illegal.
// Otherwise, install a re-registration continuation, deregister the
// calling thread (which may raise Suspend), then block for the result.
func (b *Base) WaitForCompletion(ctx context.Context, threadID string) (backendclient.Operation, error) {
	if threadctx.IsStep(ctx) {
		return backendclient.Operation{}, &errorsx.IllegalOperationError{Reason: "nested durable operation called from within a step body"}
	}

	if b.completion.IsDone() {
		return b.completion.Value(), nil
	}

	// Installed before deregistering: this is what guarantees the caller
	// is back in the active-thread set by the time whichever worker
	// completes the operation proceeds to its own deregister (spec.md §5
	// "Ordering guarantees" / "Suspension points").
	b.completion.OnResolve(func(backendclient.Operation) {
		b.Manager.RegisterThread(threadID)
	})

	if err := b.Manager.DeregisterThread(threadID); err != nil {
		return backendclient.Operation{}, err
	}

	op, ok := b.completion.Wait(ctx.Done())
	if !ok {
		return backendclient.Operation{}, errorsx.Suspend
	}
	return op, nil
}

// HandleUpdateError is the shared "what to do when a checkpoint
// confirmation fails" policy every state machine uses: a Suspend is
// swallowed (the suspend signal is already published; there is nothing
// further to do on this now-detached worker), anything else terminates
// the execution, since spec.md defines no client-side retry at the update
// layer (the retry policy governs step body failures, not transport
// failures).
func (b *Base) HandleUpdateError(err error) {
	if errorsx.IsSuspend(err) {
		return
	}
	b.logCtx(0).Logger().Err().Err(err).Log("checkpoint update failed, terminating execution")
	b.Manager.Terminate(err)
}

// Poll delegates to the batcher's poller protocol for this operation id
// (spec.md §4.D "Polling").
func (b *Base) Poll(ctx context.Context, delay time.Duration) *futurecell.Cell[backendclient.Operation] {
	return b.Manager.Batcher.Poll(ctx, b.ID, delay)
}

// PollUntil repeatedly polls at the given cadence until pred accepts the
// delivered snapshot, the context is cancelled, or the batcher shuts down
// (the latter two both surface as the Suspend sentinel, since neither
// happens except as a consequence of execution suspension or teardown).
func (b *Base) PollUntil(ctx context.Context, delay time.Duration, pred func(backendclient.Operation) bool) (backendclient.Operation, error) {
	cancel := mergeDone(ctx.Done(), b.Manager.Batcher.Closed())
	for {
		cell := b.Poll(ctx, delay)
		op, ok := cell.Wait(cancel)
		if !ok {
			return backendclient.Operation{}, errorsx.Suspend
		}
		if pred(op) {
			return op, nil
		}
	}
}

// PollUntilVarying is PollUntil with a distinct first-poll delay, used by
// chained invoke's "timeout + ~25ms first poll, ~200ms cadence thereafter"
// schedule (spec.md §4.G.3).
func (b *Base) PollUntilVarying(ctx context.Context, firstDelay, subsequentDelay time.Duration, pred func(backendclient.Operation) bool) (backendclient.Operation, error) {
	cancel := mergeDone(ctx.Done(), b.Manager.Batcher.Closed())
	delay := firstDelay
	for {
		cell := b.Poll(ctx, delay)
		op, ok := cell.Wait(cancel)
		if !ok {
			return backendclient.Operation{}, errorsx.Suspend
		}
		if pred(op) {
			return op, nil
		}
		delay = subsequentDelay
	}
}

func mergeDone(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(out)
	}()
	return out
}

// SerializeResult serializes result via the configured Serializer,
// wrapping failures as a SerializationError (spec.md §7).
func (b *Base) SerializeResult(result any) (string, error) {
	s, err := b.Serializer.Serialize(result)
	if err != nil {
		return "", &errorsx.SerializationError{Cause: err}
	}
	return s, nil
}

// DeserializeResult is the inverse of SerializeResult.
func (b *Base) DeserializeResult(data string, target any) error {
	if err := b.Serializer.Deserialize(data, target); err != nil {
		return &errorsx.SerializationError{Cause: err}
	}
	return nil
}

// ToWireError builds the wire ErrorObject spec.md §4.G.1/§7 describes:
// type, message, an optional type-tagged Data payload when the configured
// ExceptionSerializer can produce one, and a stack trace captured at the
// call site, tokenized as "class|method|file|line".
func (b *Base) ToWireError(err error) *backendclient.WireError {
	obj := &backendclient.WireError{
		Type:       fmt.Sprintf("%T", err),
		Message:    err.Error(),
		StackTrace: captureStackTrace(2),
	}
	if b.ExceptionSerializer != nil {
		if data, serr := b.ExceptionSerializer.SerializeException(err); serr == nil {
			obj.Data = data
		}
	}
	return obj
}

func captureStackTrace(skip int) []string {
	var pcs [32]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var tokens []string
	for {
		frame, more := frames.Next()
		class, method := splitFunc(frame.Function)
		tokens = append(tokens, fmt.Sprintf("%s|%s|%s|%d", class, method, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return tokens
}

func splitFunc(full string) (class, method string) {
	idx := strings.LastIndex(full, ".")
	if idx < 0 {
		return "", full
	}
	return full[:idx], full[idx+1:]
}

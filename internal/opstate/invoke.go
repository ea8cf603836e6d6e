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

// invokePollFirstExtra is the "~25 ms" margin added to the configured
// timeout for a chained invoke's first poll (spec.md §4.G.3).
const invokePollFirstExtra = 25 * time.Millisecond

// invokePollCadence is the subsequent poll cadence once the first poll has
// fired (spec.md §4.G.3).
const invokePollCadence = 200 * time.Millisecond

// InvokeConfig configures a chained invoke.
type InvokeConfig struct {
	Timeout  time.Duration
	TenantID string
}

// Invoke implements spec.md §4.G.3: a call to another function, checkpointed
// as a single START, resolved by polling.
type Invoke struct {
	*Base
	functionName string
	payload      string
}

// NewInvoke constructs, registers, and dispatches a chained invoke's
// execute() phase. payload must already be serialized by the caller
// (DurableContext), since invoke's payload serializer may differ from the
// result serializer (spec.md §4.G.3 "payload_serDes?").
func NewInvoke(ctx context.Context, mgr *execmgr.Manager, id, name, parentID string, ser serdes.Serializer, functionName, payload string, cfg InvokeConfig, execLogger *logiface.Logger[logiface.Event]) *Invoke {
	iv := &Invoke{
		Base:         NewBase(mgr, id, name, backendclient.KindChainedInvoke, parentID, ser, nil, execLogger),
		functionName: functionName,
		payload:      payload,
	}
	iv.execute(ctx, cfg)
	return iv
}

func (iv *Invoke) execute(ctx context.Context, cfg InvokeConfig) {
	stored, ok := iv.GetOperation()
	if !ok {
		update := backendclient.OperationUpdate{
			Action:  backendclient.ActionStart,
			Payload: iv.payload,
			ChainedInvokeOptions: &backendclient.ChainedInvokeOptions{
				FunctionName: iv.functionName,
				TenantID:     cfg.TenantID,
			},
		}
		iv.SendUpdate(update)
		iv.startPoll(ctx, cfg.Timeout)
		return
	}

	if err := iv.ValidateReplay(&stored); err != nil {
		return
	}

	if stored.Status.IsTerminal() {
		iv.MarkAlreadyCompleted(stored)
		return
	}

	iv.startPoll(ctx, cfg.Timeout)
}

func (iv *Invoke) startPoll(ctx context.Context, timeout time.Duration) {
	go func() {
		op, err := iv.PollUntilVarying(ctx, timeout+invokePollFirstExtra, invokePollCadence, func(op backendclient.Operation) bool {
			return op.Status.IsTerminal()
		})
		if err != nil {
			return // Suspend: nothing further to do
		}
		iv.MarkAlreadyCompleted(op)
	}()
}

// Get implements spec.md §4.G.3's status-to-outcome mapping.
func (iv *Invoke) Get(ctx context.Context, threadID string, target any) error {
	op, err := iv.WaitForCompletion(ctx, threadID)
	if err != nil {
		return err
	}

	switch op.Status {
	case backendclient.StatusSucceeded:
		result := ""
		if op.Invoke != nil {
			result = op.Invoke.Result
		}
		if result == "" {
			return nil // no result payload: target is left as is
		}
		return iv.DeserializeResult(result, target)
	case backendclient.StatusFailed:
		// spec.md §4.G.3: FAILED/TIMED_OUT/STOPPED map to a typed exception
		// wrapping the ErrorObject, not the reconstructed original
		// exception (unlike step's result path).
		return &errorsx.InvokeFailedError{Object: toErrorObject(invokeError(op))}
	case backendclient.StatusTimedOut:
		return &errorsx.InvokeTimedOutError{Object: toErrorObject(invokeError(op))}
	case backendclient.StatusStopped:
		return &errorsx.InvokeStoppedError{Object: toErrorObject(invokeError(op))}
	default:
		return &errorsx.InvokeException{Status: string(op.Status)}
	}
}

func invokeError(op backendclient.Operation) *backendclient.WireError {
	if op.Invoke != nil && op.Invoke.Error != nil {
		return op.Invoke.Error
	}
	return op.Error
}

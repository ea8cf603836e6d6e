package opstate

import (
	"context"
	"time"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/serdes"
	"github.com/joeycumines/logiface"
)

// Wait implements spec.md §4.G.2: a duration the backend owns the timer
// for. The client never sleeps; it starts (or resumes) a poll and blocks
// on the completion future.
type Wait struct {
	*Base
	duration time.Duration
}

// NewWait constructs, registers, and dispatches a Wait's execute() phase.
func NewWait(ctx context.Context, mgr *execmgr.Manager, id, name, parentID string, ser serdes.Serializer, duration time.Duration, execLogger *logiface.Logger[logiface.Event]) *Wait {
	w := &Wait{
		Base:     NewBase(mgr, id, name, backendclient.KindWait, parentID, ser, nil, execLogger),
		duration: duration,
	}
	w.execute(ctx)
	return w
}

func (w *Wait) execute(ctx context.Context) {
	stored, ok := w.GetOperation()
	if !ok {
		update := backendclient.OperationUpdate{
			Action:      backendclient.ActionStart,
			WaitOptions: &backendclient.WaitOptions{WaitSeconds: int64(w.duration / time.Second)},
		}
		w.SendUpdate(update)
		w.startPoll(ctx, w.duration)
		return
	}

	if err := w.ValidateReplay(&stored); err != nil {
		return
	}

	if stored.Status == backendclient.StatusSucceeded {
		w.MarkAlreadyCompleted(stored)
		return
	}

	remaining := w.duration
	if stored.Wait != nil && stored.Wait.ScheduledEndTimestamp > 0 {
		remaining = time.Until(time.Unix(stored.Wait.ScheduledEndTimestamp, 0))
		if remaining < 0 {
			remaining = 0
		}
	}
	w.startPoll(ctx, remaining)
}

func (w *Wait) startPoll(ctx context.Context, remaining time.Duration) {
	go func() {
		op, err := w.PollUntil(ctx, remaining, func(op backendclient.Operation) bool {
			return op.Status.IsTerminal()
		})
		if err != nil {
			return // Suspend: nothing further to do
		}
		w.MarkAlreadyCompleted(op)
	}()
}

// Get implements spec.md §4.G.2's get(): wait_for_completion, return void.
func (w *Wait) Get(ctx context.Context, threadID string) error {
	_, err := w.WaitForCompletion(ctx, threadID)
	return err
}

// Package execmgr implements the execution manager (spec.md §4.E): the
// single entry point for the operation store, the thread registry, the
// replay-mode tracker, and the suspension decision, delegating all backend
// I/O to a checkpoint.Batcher. It is internal because it is pure wiring
// detail between the root durable package and internal/opstate's state
// machines, not part of the library's public surface (spec.md §4.H/§4.I
// are the only user/host-facing layers).
package execmgr

import (
	"context"
	"sync"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/checkpoint"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/internal/futurecell"
	"golang.org/x/sync/errgroup"
)

// Registrable is implemented by an operation object (internal/opstate's
// base operation) that wants to be notified whenever the store learns
// something new about it (spec.md §4.E "Checkpoint callback").
type Registrable interface {
	OperationID() string
	OnCheckpointComplete(op backendclient.Operation)
}

// Manager is the execution manager. Instances must be constructed with
// New.
type Manager struct {
	Batcher *checkpoint.Batcher

	store *store

	threadMu sync.Mutex
	threads  map[string]struct{}

	replayMode int32 // atomic-free: guarded by replayMu alongside the store read it gates
	replayMu   sync.Mutex

	registryMu sync.Mutex
	registry   map[string]Registrable

	exceptionOnce sync.Once
	exceptionCell *futurecell.Cell[error]
}

const (
	modeReplay = iota
	modeExecution
)

// New constructs a Manager from the invocation's initial page, eagerly
// pulling any remaining pages with client.GetExecutionState (not through
// the batcher) before returning.
func New(ctx context.Context, client backendclient.Client, arn, token string, initial backendclient.ExecutionStatePage, cfg checkpoint.Config) (*Manager, error) {
	m := &Manager{
		threads:       make(map[string]struct{}),
		registry:      make(map[string]Registrable),
		exceptionCell: futurecell.New[error](),
	}
	m.store = newStore(initial.Operations)

	mode := modeReplay
	if len(initial.Operations) <= 1 {
		mode = modeExecution
	}
	m.replayMode = int32(mode)

	m.Batcher = checkpoint.New(client, arn, token, cfg, m.onDelivered)

	// Eagerly drain the remaining pages on a cancellable errgroup, so a
	// caller-cancelled ctx aborts pagination instead of fetching to
	// completion regardless. Pages are fetched from the client directly,
	// not through the batcher.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		marker := initial.NextMarker
		for marker != "" {
			page, err := client.GetExecutionState(gctx, arn, token, marker)
			if err != nil {
				return err
			}
			m.store.putAll(page.Operations)
			marker = page.NextMarker
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m, nil
}

// onDelivered is the batcher's consumer hook (spec.md §4.E "Checkpoint
// callback"): overwrite the store, then notify every registered operation
// that matches a delivered id.
func (m *Manager) onDelivered(ops []backendclient.Operation) {
	m.store.putAll(ops)

	for _, op := range ops {
		m.registryMu.Lock()
		reg, ok := m.registry[op.ID]
		m.registryMu.Unlock()
		if ok {
			reg.OnCheckpointComplete(op)
		}
	}
}

// Register associates a Registrable with its operation id, so future
// OnCheckpointComplete calls reach it (spec.md §4.F "Registers itself with
// E on construction").
func (m *Manager) Register(r Registrable) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	m.registry[r.OperationID()] = r
}

// Lookup returns the stored snapshot for id, if any, flipping the replay
// mode to EXECUTION if this lookup finds nothing or a non-terminal entry
// (spec.md §4.E "Replay-mode tracker").
func (m *Manager) Lookup(id string) (backendclient.Operation, bool) {
	op, ok := m.store.get(id)

	m.replayMu.Lock()
	if m.replayMode == modeReplay {
		if !ok || !op.Status.IsTerminal() {
			m.replayMode = modeExecution
		}
	}
	m.replayMu.Unlock()

	return op, ok
}

// IsReplay reports the current global execution mode (spec.md §3
// "Execution mode"). It is independent of any per-context replay flag
// (spec.md §4.H).
func (m *Manager) IsReplay() bool {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	return m.replayMode == modeReplay
}

// HasChildOf reports whether the store has any operation parented under
// contextID, for DurableContext's per-context replay flag (spec.md §4.H).
func (m *Manager) HasChildOf(contextID string) bool {
	return m.store.hasChildOf(contextID)
}

// RegisterThread idempotently adds threadID to the active-thread set
// (spec.md §4.E "Thread registry").
func (m *Manager) RegisterThread(threadID string) {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()
	m.threads[threadID] = struct{}{}
}

// DeregisterThread removes threadID from the active-thread set. If the set
// becomes empty and the execution has not already been suspended or
// terminated, this marks the execution for suspension and returns the
// suspend sentinel, which the caller must propagate up to the executor
// (spec.md §4.E, §5 "Suspension points").
func (m *Manager) DeregisterThread(threadID string) error {
	m.threadMu.Lock()
	delete(m.threads, threadID)
	empty := len(m.threads) == 0
	m.threadMu.Unlock()

	if empty {
		m.Suspend()
		if errorsx.IsSuspend(m.exceptionCell.Value()) {
			return errorsx.Suspend
		}
	}
	return nil
}

// ActiveThreadCount reports the size of the active-thread set, mostly for
// tests asserting spec.md §8's suspend-safety invariant.
func (m *Manager) ActiveThreadCount() int {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()
	return len(m.threads)
}

// Suspend completes the execution-exception signal with the suspend
// sentinel. One-shot and idempotent (spec.md §4.E).
func (m *Manager) Suspend() {
	m.exceptionOnce.Do(func() {
		m.exceptionCell.Resolve(errorsx.Suspend)
	})
}

// Terminate completes the execution-exception signal with an unrecoverable
// error. One-shot and idempotent; the first of Suspend/Terminate to run
// wins (spec.md §4.E). A cause that is already an UnrecoverableError is
// passed through rather than re-wrapped.
func (m *Manager) Terminate(cause error) {
	m.exceptionOnce.Do(func() {
		if u, ok := cause.(*errorsx.UnrecoverableError); ok {
			m.exceptionCell.Resolve(u)
			return
		}
		m.exceptionCell.Resolve(&errorsx.UnrecoverableError{Cause: cause})
	})
}

// ExceptionDone returns the channel that closes once Suspend or Terminate
// has run, for racing against the user handler (spec.md §4.E
// "Wait-for-user-or-suspend").
func (m *Manager) ExceptionDone() <-chan struct{} {
	return m.exceptionCell.Done()
}

// ExceptionValue returns the resolved suspend/unrecoverable error. Only
// meaningful after ExceptionDone() is closed.
func (m *Manager) ExceptionValue() error {
	return m.exceptionCell.Value()
}

// RunUntilCompleteOrSuspend races userDone against the execution-exception
// signal, returning whichever resolves first (spec.md §4.E
// "Wait-for-user-or-suspend"). userErr is read only after userDone closes.
func (m *Manager) RunUntilCompleteOrSuspend(userDone <-chan struct{}, userErr func() error) error {
	select {
	case <-userDone:
		return userErr()
	case <-m.exceptionCell.Done():
		return m.exceptionCell.Value()
	}
}

// Shutdown drains the batcher (spec.md §4.I step 8).
func (m *Manager) Shutdown() {
	m.Batcher.Shutdown()
}

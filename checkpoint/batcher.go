// Package checkpoint implements the checkpoint batcher (spec.md §4.D): the
// sole writer to the durable backend. It owns the pending-update FIFO, the
// current checkpoint token, a consumer hook invoked with every delivered
// operation page, and the map of operation-id pollers.
//
// Grounded on _teacher_seed/microbatch/microbatch.go
// (joeycumines-go-utilpkg/microbatch) for the size-triggers-immediate-flush
// shape, but not its channel protocol: all mutable state sits behind one
// mutex, a time.AfterFunc timer dispatches pending work no later than the
// earliest delay a Submit asked for, and each round trip runs on its own
// goroutine, at most one at a time. Generalized from a single count limit
// to the dual count+byte-size limit spec.md requires, and extended with the
// per-operation poller fan-out spec.md's "Polling" subsection describes (the
// teacher's microbatch has no polling concept at all). The batch-draining
// loop borrows the "drain up to N" shape from
// _teacher_seed/longpoll/channel.go; it has no timeout of its own.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/internal/futurecell"
)

const (
	// DefaultMaxItemCount is spec.md §4.D's MAX_ITEM_COUNT default.
	DefaultMaxItemCount = 100
	// DefaultMaxBatchSizeBytes is spec.md §4.D's MAX_BATCH_SIZE_BYTES default.
	DefaultMaxBatchSizeBytes = 750 * 1024
	// DefaultFlushInterval is the default for Config.FlushInterval.
	DefaultFlushInterval = 20 * time.Millisecond
	// headerBudgetBytes approximates per-update wire overhead not captured
	// by summing id/kind/action/payload lengths (spec.md §4.D).
	headerBudgetBytes = 100
)

// Config configures a Batcher. The zero value uses the documented defaults.
type Config struct {
	// MaxItemCount bounds the number of non-null updates per round trip.
	// Defaults to DefaultMaxItemCount if <= 0.
	MaxItemCount int
	// MaxBatchSizeBytes bounds the approximate wire size per round trip.
	// Defaults to DefaultMaxBatchSizeBytes if <= 0.
	MaxBatchSizeBytes int
	// FlushInterval defaults to DefaultFlushInterval if <= 0. Submit does
	// not consult it: each Submit's own delay (or the item-count limit)
	// alone decides when pending work is dispatched.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxItemCount <= 0 {
		c.MaxItemCount = DefaultMaxItemCount
	}
	if c.MaxBatchSizeBytes <= 0 {
		c.MaxBatchSizeBytes = DefaultMaxBatchSizeBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// ConsumerFunc is invoked with the complete ordered operation list
// delivered by a round trip (the Checkpoint response's page, followed by
// any further pages pulled via GetExecutionState).
type ConsumerFunc func(ops []backendclient.Operation)

// pendingItem is one FIFO entry: either a real update, or a null "tick"
// request (update == nil) used by Poll to force a round trip.
type pendingItem struct {
	update *backendclient.OperationUpdate
	result *futurecell.Cell[error]
}

// Batcher is the sole writer to the durable backend for one execution.
// Instances must be constructed with New and closed with Shutdown.
type Batcher struct {
	client   backendclient.Client
	arn      string
	cfg      Config
	consumer ConsumerFunc

	mu      sync.Mutex
	token   string
	pending []pendingItem
	pollers map[string][]*futurecell.Cell[backendclient.Operation]

	inFlight   bool
	timer      *time.Timer
	timerFires time.Time

	closed  bool
	closeCh chan struct{}
	rtDone  chan struct{} // closed when no round trip is in flight; replaced each time one starts
}

// New constructs a Batcher for the given execution ARN, starting from
// initialToken, invoking consumer with every operation page a round trip
// delivers (spec.md §4.E "Checkpoint callback").
func New(client backendclient.Client, arn, initialToken string, cfg Config, consumer ConsumerFunc) *Batcher {
	if client == nil {
		panic("checkpoint: nil client")
	}
	if consumer == nil {
		panic("checkpoint: nil consumer")
	}
	b := &Batcher{
		client:   client,
		arn:      arn,
		cfg:      cfg.withDefaults(),
		consumer: consumer,
		token:    initialToken,
		pollers:  make(map[string][]*futurecell.Cell[backendclient.Operation]),
		closeCh:  make(chan struct{}),
		rtDone:   closedChan(),
	}
	return b
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Submit schedules update (nil for a poller tick, see Poll) for the next
// round trip, at most delay after this call. The returned cell resolves
// with nil once the update is included in a confirmed round trip, or with
// the shutdown error if the Batcher closes first.
func (b *Batcher) Submit(update *backendclient.OperationUpdate, delay time.Duration) *futurecell.Cell[error] {
	cell := futurecell.New[error]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cell.Resolve(errShutdown)
		return cell
	}

	b.pending = append(b.pending, pendingItem{update: update, result: cell})

	nonNull := 0
	for _, it := range b.pending {
		if it.update != nil {
			nonNull++
		}
	}

	switch {
	case delay <= 0, nonNull >= b.cfg.MaxItemCount:
		b.armLocked(0)
	default:
		b.armLocked(delay)
	}
	b.mu.Unlock()

	return cell
}

// armLocked ensures a dispatch timer is scheduled to fire no later than
// delay from now, tightening an already-armed timer if delay is sooner.
// Must be called with b.mu held.
func (b *Batcher) armLocked(delay time.Duration) {
	deadline := time.Now().Add(delay)
	if b.timer != nil {
		if !b.timerFires.After(deadline) {
			return // already scheduled for at or before this deadline
		}
		b.timer.Stop()
	}
	b.timerFires = deadline
	b.timer = time.AfterFunc(delay, b.dispatch)
}

// dispatch runs one round trip if none is already in flight and there is
// work to do; otherwise it is a no-op (the in-flight round trip re-checks
// for more pending work on completion).
func (b *Batcher) dispatch() {
	b.mu.Lock()
	// The timer that led here has fired (or is superseded); forget it on
	// every path so the next Submit arms a fresh one.
	b.timer = nil
	if b.closed || b.inFlight || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	b.inFlight = true
	rtDone := make(chan struct{})
	b.rtDone = rtDone
	b.mu.Unlock()

	go b.roundTrip(batch, rtDone)
}

// drainLocked removes up to MaxItemCount/MaxBatchSizeBytes worth of
// non-null updates (plus any null ticks encountered along the way) from
// the pending queue, spec.md §4.D "Batch assembly". Must be called with
// b.mu held.
func (b *Batcher) drainLocked() []pendingItem {
	var (
		drained   []pendingItem
		nonNull   int
		sizeBytes int
	)

	i := 0
	for i < len(b.pending) {
		it := b.pending[i]
		if it.update != nil {
			if nonNull >= b.cfg.MaxItemCount {
				break
			}
			cost := updateSizeBytes(it.update)
			if nonNull > 0 && sizeBytes+cost > b.cfg.MaxBatchSizeBytes {
				break
			}
			sizeBytes += cost
			nonNull++
		}
		drained = append(drained, it)
		i++
	}
	b.pending = append([]pendingItem(nil), b.pending[i:]...)

	hasPollers := len(b.pollers) > 0
	if nonNull == 0 && !hasPollers {
		// spec.md: "If a batch contains no non-null updates and no
		// registered pollers, it is dropped without RPC." Resolve the
		// drained (null) entries immediately; there is nothing to wait for.
		for _, it := range drained {
			it.result.Resolve(nil)
		}
		return nil
	}
	return drained
}

func updateSizeBytes(u *backendclient.OperationUpdate) int {
	return len(u.ID) + len(u.Kind) + len(u.Action) + len(u.Payload) + headerBudgetBytes
}

// roundTrip performs the actual Checkpoint + (optional) GetExecutionState
// pagination, invokes the consumer, fans out to pollers, and resolves the
// batch's update futures (spec.md §4.D "Round-trip").
func (b *Batcher) roundTrip(batch []pendingItem, rtDone chan struct{}) {
	defer close(rtDone)

	ctx := context.Background()

	var updates []backendclient.OperationUpdate
	for _, it := range batch {
		if it.update != nil {
			updates = append(updates, *it.update)
		}
	}

	newToken, page, err := b.client.Checkpoint(ctx, b.arn, b.currentToken(), updates)
	if err != nil {
		b.finishBatch(batch, err)
		b.afterRoundTrip()
		return
	}

	var all []backendclient.Operation
	if page != nil {
		all = append(all, page.Operations...)
		marker := page.NextMarker
		for marker != "" {
			next, perr := b.client.GetExecutionState(ctx, b.arn, newToken, marker)
			if perr != nil {
				break
			}
			all = append(all, next.Operations...)
			marker = next.NextMarker
		}
	}

	b.mu.Lock()
	b.token = newToken
	b.mu.Unlock()

	b.consumer(all)
	b.completePollers(all)
	b.finishBatch(batch, nil)
	b.afterRoundTrip()
}

func (b *Batcher) currentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *Batcher) finishBatch(batch []pendingItem, err error) {
	for _, it := range batch {
		it.result.Resolve(err)
	}
}

// completePollers completes, and removes, every registered poller whose
// operation id appears in ops (spec.md §4.D: "remove them from the map
// before completing").
func (b *Batcher) completePollers(ops []backendclient.Operation) {
	if len(ops) == 0 {
		return
	}
	b.mu.Lock()
	var toComplete []struct {
		cell *futurecell.Cell[backendclient.Operation]
		op   backendclient.Operation
	}
	for _, op := range ops {
		if cells, ok := b.pollers[op.ID]; ok {
			delete(b.pollers, op.ID)
			for _, c := range cells {
				toComplete = append(toComplete, struct {
					cell *futurecell.Cell[backendclient.Operation]
					op   backendclient.Operation
				}{c, op})
			}
		}
	}
	b.mu.Unlock()

	for _, tc := range toComplete {
		tc.cell.Resolve(tc.op)
	}
}

// afterRoundTrip clears the in-flight flag and, if more work queued up
// while the round trip was in progress, immediately starts the next one
// (spec.md §4.D "Concurrency": "At most one in-flight round-trip").
func (b *Batcher) afterRoundTrip() {
	b.mu.Lock()
	b.inFlight = false
	more := len(b.pending) > 0
	b.mu.Unlock()
	if more {
		b.dispatch()
	}
}

// Poll registers a future under operationID and re-submits a null tick at
// delay cadence until the operation's status changes (i.e. a round trip
// delivers it), the returned cell resolves, or ctx is done (spec.md §4.D
// "Polling").
func (b *Batcher) Poll(ctx context.Context, operationID string, delay time.Duration) *futurecell.Cell[backendclient.Operation] {
	cell := futurecell.New[backendclient.Operation]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return cell // left unresolved; caller should also be watching ctx/shutdown
	}
	b.pollers[operationID] = append(b.pollers[operationID], cell)
	b.mu.Unlock()

	go b.pollLoop(ctx, cell, delay)

	return cell
}

func (b *Batcher) pollLoop(ctx context.Context, cell *futurecell.Cell[backendclient.Operation], delay time.Duration) {
	for {
		tick := b.Submit(nil, delay)
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		case <-cell.Done():
			return
		case <-tick.Done():
		}
		if cell.IsDone() {
			return
		}
	}
}

var errShutdown = shutdownError{}

type shutdownError struct{}

func (shutdownError) Error() string { return "checkpoint: batcher shut down" }

// Shutdown closes the Closed channel, drops every registered poller
// without resolving its cell (see Closed), resolves every pending
// submitter's future with a shutdown error, then waits for any in-flight
// round trip to finish (spec.md §4.D "Shutdown").
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closeCh)
	if b.timer != nil {
		b.timer.Stop()
	}
	pending := b.pending
	b.pending = nil
	pollers := b.pollers
	b.pollers = make(map[string][]*futurecell.Cell[backendclient.Operation])
	rtDone := b.rtDone
	b.mu.Unlock()

	for _, it := range pending {
		it.result.Resolve(errShutdown)
	}
	_ = pollers // callers must select on Closed() alongside the poller cell;
	// see Poll and Closed's doc comment for why poller cells are never
	// force-resolved here.
	<-rtDone
}

// Closed returns a channel closed once Shutdown has been called. Callers
// of Poll must select on this alongside the returned cell's Done channel:
// a poller cell carries an Operation and has no slot for a cancellation
// error, so spec.md §4.D's "fail all registered pollers with a
// cancellation error" is surfaced here instead, exactly like the
// escalation path internal/execmgr's suspend signal uses (spec.md §4.E).
func (b *Batcher) Closed() <-chan struct{} {
	return b.closeCh
}

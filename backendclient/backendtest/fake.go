// Package backendtest provides an in-memory backendclient.Client, the
// pattern the retrieval pack's inprocgrpc package uses for shipping a fake
// transport next to the real one: token versioning (a stale token is
// rejected) and pagination, without a network hop, for
// executor/operation unit and scenario tests (spec.md §8 "end-to-end
// scenarios").
package backendtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/joeycumines/go-durable/backendclient"
)

// Backend is a single durable execution's in-memory log plus a
// backendclient.Client view over it.
type Backend struct {
	mu         sync.Mutex
	arn        string
	token      int
	operations map[string]backendclient.Operation
	order      []string // insertion order, for stable pagination
	pageSize   int       // 0 = unlimited
}

// New creates a Backend seeded with the given operations (typically just
// the EXECUTION root). The ARN is generated if empty.
func New(arn string, seed ...backendclient.Operation) *Backend {
	if arn == "" {
		arn = "arn:durable:local:execution:" + uuid.NewString()
	}
	b := &Backend{
		arn:        arn,
		operations: make(map[string]backendclient.Operation, len(seed)),
	}
	for _, op := range seed {
		b.putLocked(op)
	}
	return b
}

// SetPageSize bounds the number of operations returned per RPC response,
// to exercise GetExecutionState pagination in tests. 0 disables the limit.
func (b *Backend) SetPageSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageSize = n
}

// ARN returns the execution ARN this backend represents.
func (b *Backend) ARN() string { return b.arn }

// Token returns the current checkpoint token.
func (b *Backend) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strconv.Itoa(b.token)
}

// Snapshot returns a copy of every stored operation, for assertions.
func (b *Backend) Snapshot() []backendclient.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backendclient.Operation, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.operations[id])
	}
	return out
}

// MarkReady flips a PENDING operation to READY, simulating the backend's
// own scheduled transition once a RETRY delay elapses server-side
// (spec.md §3 "Lifecycles": "PENDING -> READY is driven by the backend,
// not the client"). It is a no-op if the operation does not exist.
func (b *Backend) MarkReady(id string) {
	b.SetStatus(id, backendclient.StatusReady)
}

// SetStatus overwrites an existing operation's status directly, simulating
// any backend-owned transition a test needs that has no client-submittable
// UpdateAction of its own (e.g. a WAIT or CHAINED_INVOKE reaching SUCCEEDED
// once its server-side timer/poll completes). It is a no-op if the
// operation does not exist.
func (b *Backend) SetStatus(id string, status backendclient.OperationStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if op, ok := b.operations[id]; ok {
		op.Status = status
		b.operations[id] = op
	}
}

// ResolveCallback simulates an external caller resolving a CALLBACK
// operation (spec.md §4.G.4's "external resolution" path), setting both the
// terminal status and the payload the backend would have recorded. It is a
// no-op if the operation does not exist or isn't a CALLBACK.
func (b *Backend) ResolveCallback(id string, status backendclient.OperationStatus, result string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.operations[id]
	if !ok || op.Callback == nil {
		return
	}
	op.Status = status
	cb := *op.Callback
	cb.Result = result
	op.Callback = &cb
	b.operations[id] = op
}

func (b *Backend) putLocked(op backendclient.Operation) {
	if _, exists := b.operations[op.ID]; !exists {
		b.order = append(b.order, op.ID)
	}
	b.operations[op.ID] = op
}

// Client returns a backendclient.Client bound to this backend.
func (b *Backend) Client() backendclient.Client { return (*client)(b) }

type client Backend

func (c *client) backend() *Backend { return (*Backend)(c) }

func (c *client) Checkpoint(_ context.Context, arn, token string, updates []backendclient.OperationUpdate) (string, *backendclient.ExecutionStatePage, error) {
	b := c.backend()
	b.mu.Lock()
	defer b.mu.Unlock()

	if arn != b.arn {
		return "", nil, fmt.Errorf("backendtest: unknown execution arn %q", arn)
	}
	if want := strconv.Itoa(b.token); token != want {
		return "", nil, fmt.Errorf("backendtest: stale checkpoint token %q, want %q", token, want)
	}

	for _, u := range updates {
		b.applyLocked(u)
	}
	b.token++

	page := b.pageLocked(0, b.pageSize)
	return strconv.Itoa(b.token), &page, nil
}

func (c *client) GetExecutionState(_ context.Context, arn, token, marker string) (backendclient.ExecutionStatePage, error) {
	b := c.backend()
	b.mu.Lock()
	defer b.mu.Unlock()

	if arn != b.arn {
		return backendclient.ExecutionStatePage{}, fmt.Errorf("backendtest: unknown execution arn %q", arn)
	}
	_ = token // GetExecutionState is read-only; token is accepted but not required to match exactly

	offset := 0
	if marker != "" {
		v, err := strconv.Atoi(marker)
		if err != nil {
			return backendclient.ExecutionStatePage{}, fmt.Errorf("backendtest: invalid marker %q", marker)
		}
		offset = v
	}
	return b.pageLocked(offset, b.pageSize), nil
}

func (b *Backend) pageLocked(offset, limit int) backendclient.ExecutionStatePage {
	ids := append([]string(nil), b.order...)

	if offset > len(ids) {
		offset = len(ids)
	}
	remaining := ids[offset:]

	end := len(remaining)
	next := ""
	if limit > 0 && len(remaining) > limit {
		end = limit
		next = strconv.Itoa(offset + limit)
	}

	ops := make([]backendclient.Operation, 0, end)
	for _, id := range remaining[:end] {
		ops = append(ops, b.operations[id])
	}
	return backendclient.ExecutionStatePage{Operations: ops, NextMarker: next}
}

// applyLocked mutates the stored operation per the semantics of a single
// OperationUpdate (spec.md §3 invariants, §4.G per-kind transitions). It is
// deliberately permissive: it is a test double, not a conformance oracle.
func (b *Backend) applyLocked(u backendclient.OperationUpdate) {
	op, exists := b.operations[u.ID]
	if !exists {
		op = backendclient.Operation{ID: u.ID, Kind: u.Kind, Name: u.Name, ParentID: u.ParentID}
	}

	switch u.Action {
	case backendclient.ActionStart:
		op.Status = backendclient.StatusStarted
		switch u.Kind {
		case backendclient.KindWait:
			op.Wait = &backendclient.WaitDetails{WaitSeconds: valOr(u.WaitOptions).WaitSeconds}
		case backendclient.KindChainedInvoke:
			op.Invoke = &backendclient.InvokeDetails{
				FunctionName: valOrInvoke(u.ChainedInvokeOptions).FunctionName,
				TenantID:     valOrInvoke(u.ChainedInvokeOptions).TenantID,
			}
		case backendclient.KindCallback:
			op.Callback = &backendclient.CallbackDetails{
				CallbackID:              uuid.NewString(),
				TimeoutSeconds:          valOrCallback(u.CallbackOptions).TimeoutSeconds,
				HeartbeatTimeoutSeconds: valOrCallback(u.CallbackOptions).HeartbeatTimeoutSeconds,
			}
		}

	case backendclient.ActionRetry:
		op.Status = backendclient.StatusPending
		op.Attempt++
		op.Error = u.Error

	case backendclient.ActionSucceed:
		op.Status = backendclient.StatusSucceeded
		op.Result = u.Payload
		if u.ContextOptions != nil {
			op.Context = &backendclient.ContextDetails{Result: u.Payload, ReplayChildren: u.ContextOptions.ReplayChildren}
		}

	case backendclient.ActionFail:
		op.Status = backendclient.StatusFailed
		op.Error = u.Error
	}

	b.putLocked(op)
}

func valOr(o *backendclient.WaitOptions) backendclient.WaitOptions {
	if o == nil {
		return backendclient.WaitOptions{}
	}
	return *o
}

func valOrInvoke(o *backendclient.ChainedInvokeOptions) backendclient.ChainedInvokeOptions {
	if o == nil {
		return backendclient.ChainedInvokeOptions{}
	}
	return *o
}

func valOrCallback(o *backendclient.CallbackOptions) backendclient.CallbackOptions {
	if o == nil {
		return backendclient.CallbackOptions{}
	}
	return *o
}

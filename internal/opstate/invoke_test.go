package opstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
)

func resolveOnceStarted(t *testing.T, backend interface {
	Snapshot() []backendclient.Operation
	SetStatus(string, backendclient.OperationStatus)
}, id string, status backendclient.OperationStatus) (stop chan struct{}) {
	t.Helper()
	stop = make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, op := range backend.Snapshot() {
				if op.ID == id && op.Status == backendclient.StatusStarted {
					backend.SetStatus(id, status)
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return stop
}

func TestInvoke_firstExecutionSucceeds(t *testing.T) {
	mgr, backend := newTestManager(t)
	mgr.RegisterThread("test-thread")
	stop := resolveOnceStarted(t, backend, "invoke-1", backendclient.StatusSucceeded)
	defer close(stop)

	ctx := context.Background()
	iv := NewInvoke(ctx, mgr, "invoke-1", "CallOther", "root", jsonSer, "other-fn", `{"x":1}`, InvokeConfig{Timeout: time.Millisecond}, nil)

	var out map[string]any
	err := iv.Get(ctx, "test-thread", &out)
	require.NoError(t, err)
}

func TestInvoke_failedMapsToInvokeFailedError(t *testing.T) {
	mgr, backend := newTestManager(t)
	mgr.RegisterThread("test-thread")
	stop := resolveOnceStarted(t, backend, "invoke-1", backendclient.StatusFailed)
	defer close(stop)

	ctx := context.Background()
	iv := NewInvoke(ctx, mgr, "invoke-1", "CallOther", "root", jsonSer, "other-fn", `{}`, InvokeConfig{Timeout: time.Millisecond}, nil)

	var out any
	err := iv.Get(ctx, "test-thread", &out)
	var failed *errorsx.InvokeFailedError
	require.ErrorAs(t, err, &failed)
}

func TestInvoke_timedOutMapsToInvokeTimedOutError(t *testing.T) {
	mgr, backend := newTestManager(t)
	mgr.RegisterThread("test-thread")
	stop := resolveOnceStarted(t, backend, "invoke-1", backendclient.StatusTimedOut)
	defer close(stop)

	ctx := context.Background()
	iv := NewInvoke(ctx, mgr, "invoke-1", "CallOther", "root", jsonSer, "other-fn", `{}`, InvokeConfig{Timeout: time.Millisecond}, nil)

	var out any
	err := iv.Get(ctx, "test-thread", &out)
	var timedOut *errorsx.InvokeTimedOutError
	require.ErrorAs(t, err, &timedOut)
}

func TestInvoke_replayAlreadyTerminalSkipsPoll(t *testing.T) {
	mgr, _ := newTestManager(t, backendclient.Operation{
		ID: "invoke-1", Kind: backendclient.KindChainedInvoke, Name: "CallOther",
		ParentID: "root", Status: backendclient.StatusSucceeded,
		Invoke: &backendclient.InvokeDetails{Result: `"cached"`},
	})

	ctx := context.Background()
	iv := NewInvoke(ctx, mgr, "invoke-1", "CallOther", "root", jsonSer, "other-fn", `{}`, InvokeConfig{Timeout: time.Millisecond}, nil)

	var out string
	err := iv.Get(ctx, "test-thread", &out)
	require.NoError(t, err)
	require.Equal(t, "cached", out)
}

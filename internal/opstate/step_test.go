package opstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/errorsx"
	"github.com/joeycumines/go-durable/retrypolicy"
)

func TestStep_firstExecutionSucceeds(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.RegisterThread("test-thread")

	ctx := context.Background()
	s := NewStep[int](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (int, error) {
		return 42, nil
	}, StepConfig{}, nil)

	result, err := s.Get(ctx, "test-thread")
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestStep_failureExhaustsRetries(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.RegisterThread("test-thread")

	ctx := context.Background()
	wantErr := errors.New("boom")
	s := NewStep[int](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (int, error) {
		return 0, wantErr
	}, StepConfig{RetryPolicy: retrypolicy.None{}}, nil)

	_, err := s.Get(ctx, "test-thread")
	var failed *errorsx.StepFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "boom", failed.Object.Message)
}

func TestStep_retriesThenSucceeds(t *testing.T) {
	mgr, backend := newTestManager(t)
	mgr.RegisterThread("test-thread")

	// the backend owns the PENDING -> READY transition once a retry delay
	// elapses (spec.md §3 "Lifecycles"); backendtest.Backend has no clock of
	// its own, so flip it by hand as soon as the RETRY checkpoint lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, op := range backend.Snapshot() {
				if op.ID == "step-1" && op.Status == backendclient.StatusPending {
					backend.MarkReady("step-1")
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx := context.Background()
	attempts := 0
	s := NewStep[string](ctx, mgr, "step-1", "Flaky", "root", jsonSer, nil, func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, StepConfig{RetryPolicy: retrypolicy.Fixed{MaxAttempts: 3, Delay: time.Millisecond}}, nil)

	result, err := s.Get(ctx, "test-thread")
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 2, attempts)
}

func TestStep_replayStartedAtMostOnceIsInterrupted(t *testing.T) {
	mgr, _ := newTestManager(t, backendclient.Operation{
		ID: "step-1", Kind: backendclient.KindStep, Name: "DoWork",
		ParentID: "root", Status: backendclient.StatusStarted, Attempt: 0,
	})
	mgr.RegisterThread("test-thread")

	ctx := context.Background()
	s := NewStep[int](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (int, error) {
		panic("must not run: AT_MOST_ONCE_PER_RETRY replay must not re-invoke the body")
	}, StepConfig{Semantics: AtMostOncePerRetry}, nil)

	_, err := s.Get(ctx, "test-thread")
	var interrupted *errorsx.StepInterruptedError
	require.ErrorAs(t, err, &interrupted)
}

func TestStep_replayStartedAtMostOnceIsInterruptedOnRetriedAttempt(t *testing.T) {
	mgr, _ := newTestManager(t, backendclient.Operation{
		ID: "step-1", Kind: backendclient.KindStep, Name: "DoWork",
		ParentID: "root", Status: backendclient.StatusStarted, Attempt: 2,
	})
	mgr.RegisterThread("test-thread")

	ctx := context.Background()
	s := NewStep[int](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (int, error) {
		panic("must not run: a STARTED record on a retried attempt must also interrupt, not re-run")
	}, StepConfig{Semantics: AtMostOncePerRetry}, nil)

	_, err := s.Get(ctx, "test-thread")
	var interrupted *errorsx.StepInterruptedError
	require.ErrorAs(t, err, &interrupted)
}

func TestStep_resumeFromReadyReCheckpointsStartBeforeRerunningBody(t *testing.T) {
	mgr, backend := newTestManager(t, backendclient.Operation{
		ID: "step-1", Kind: backendclient.KindStep, Name: "Flaky",
		ParentID: "root", Status: backendclient.StatusReady, Attempt: 1,
	})
	mgr.RegisterThread("test-thread")

	bodyEntered := make(chan struct{})
	release := make(chan struct{})
	ctx := context.Background()
	s := NewStep[string](ctx, mgr, "step-1", "Flaky", "root", jsonSer, nil, func(context.Context) (string, error) {
		close(bodyEntered)
		<-release
		return "ok", nil
	}, StepConfig{Semantics: AtMostOncePerRetry}, nil)

	<-bodyEntered
	var foundStarted bool
	for _, op := range backend.Snapshot() {
		if op.ID == "step-1" && op.Status == backendclient.StatusStarted {
			foundStarted = true
		}
	}
	require.True(t, foundStarted, "resuming a READY attempt must re-checkpoint START before running the body, so a crash mid-body leaves a STARTED (not silently re-runnable READY) record")

	close(release)
	result, err := s.Get(ctx, "test-thread")
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestStep_replayAlreadyTerminalSkipsBody(t *testing.T) {
	mgr, _ := newTestManager(t, backendclient.Operation{
		ID: "step-1", Kind: backendclient.KindStep, Name: "DoWork",
		ParentID: "root", Status: backendclient.StatusSucceeded, Result: `"cached"`,
	})

	ctx := context.Background()
	s := NewStep[string](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (string, error) {
		panic("must not run: replay of an already-terminal step must not re-invoke the body")
	}, StepConfig{}, nil)

	result, err := s.Get(ctx, "test-thread")
	require.NoError(t, err)
	require.Equal(t, "cached", result)
}

func TestStep_nonDeterministicReplayTerminates(t *testing.T) {
	mgr, _ := newTestManager(t, backendclient.Operation{
		ID: "step-1", Kind: backendclient.KindWait, Name: "DoWork",
		ParentID: "root", Status: backendclient.StatusStarted,
	})

	ctx := context.Background()
	s := NewStep[int](ctx, mgr, "step-1", "DoWork", "root", jsonSer, nil, func(context.Context) (int, error) {
		panic("must not run: kind mismatch must be caught before dispatch")
	}, StepConfig{}, nil)
	_ = s

	select {
	case <-mgr.ExceptionDone():
		_, ok := errorsx.AsUnrecoverable(mgr.ExceptionValue())
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected non-deterministic replay to terminate the execution")
	}
}

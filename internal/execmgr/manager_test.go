package execmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/backendclient/backendtest"
	"github.com/joeycumines/go-durable/checkpoint"
	"github.com/joeycumines/go-durable/errorsx"
)

var errBoom = errors.New("boom")

func execOp() backendclient.Operation {
	return backendclient.Operation{ID: "root", Kind: backendclient.KindExecution, Status: backendclient.StatusStarted}
}

func TestNew_singleOperationStartsInExecutionMode(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	require.False(t, m.IsReplay())
}

func TestNew_multipleOperationsStartInReplayMode(t *testing.T) {
	ops := []backendclient.Operation{
		execOp(),
		{ID: "step-1", Kind: backendclient.KindStep, Status: backendclient.StatusSucceeded},
	}
	backend := backendtest.New("arn:1", ops...)
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: ops}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	require.True(t, m.IsReplay())
}

func TestNew_drainsRemainingPages(t *testing.T) {
	ops := []backendclient.Operation{
		execOp(),
		{ID: "step-1", Kind: backendclient.KindStep, Status: backendclient.StatusSucceeded},
		{ID: "step-2", Kind: backendclient.KindStep, Status: backendclient.StatusSucceeded},
		{ID: "step-3", Kind: backendclient.KindStep, Status: backendclient.StatusSucceeded},
	}
	backend := backendtest.New("arn:1", ops...)
	backend.SetPageSize(2)

	firstPage, err := backend.Client().GetExecutionState(context.Background(), backend.ARN(), backend.Token(), "")
	require.NoError(t, err)
	require.Len(t, firstPage.Operations, 2)
	require.NotEmpty(t, firstPage.NextMarker)

	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), firstPage, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	for _, op := range ops {
		_, ok := m.Lookup(op.ID)
		require.True(t, ok, "expected %s to be present after pagination drain", op.ID)
	}
}

func TestNew_pageFetchErrorPropagates(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	initial := backendclient.ExecutionStatePage{
		Operations: []backendclient.Operation{execOp()},
		NextMarker: "not-a-real-marker",
	}
	_, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), initial, checkpoint.Config{})
	require.Error(t, err)
}

func TestManager_Lookup_flipsReplayToExecutionOnMiss(t *testing.T) {
	ops := []backendclient.Operation{
		execOp(),
		{ID: "step-1", Kind: backendclient.KindStep, Status: backendclient.StatusSucceeded},
	}
	backend := backendtest.New("arn:1", ops...)
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: ops}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	require.True(t, m.IsReplay())

	_, ok := m.Lookup("never-seen")
	require.False(t, ok)
	require.False(t, m.IsReplay())
}

func TestManager_Lookup_flipsReplayToExecutionOnNonTerminal(t *testing.T) {
	ops := []backendclient.Operation{
		execOp(),
		{ID: "step-1", Kind: backendclient.KindStep, Status: backendclient.StatusStarted},
	}
	backend := backendtest.New("arn:1", ops...)
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: ops}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	require.True(t, m.IsReplay())
	_, ok := m.Lookup("step-1")
	require.True(t, ok)
	require.False(t, m.IsReplay())
}

func TestManager_HasChildOf(t *testing.T) {
	ops := []backendclient.Operation{
		execOp(),
		{ID: "step-1", Kind: backendclient.KindStep, ParentID: "ctx-1", Status: backendclient.StatusSucceeded},
	}
	backend := backendtest.New("arn:1", ops...)
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: ops}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	require.True(t, m.HasChildOf("ctx-1"))
	require.False(t, m.HasChildOf("ctx-2"))
}

type fakeRegistrable struct {
	id       string
	notified chan backendclient.Operation
}

func (f *fakeRegistrable) OperationID() string { return f.id }
func (f *fakeRegistrable) OnCheckpointComplete(op backendclient.Operation) {
	f.notified <- op
}

func TestManager_Register_notifiedOnDelivery(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	reg := &fakeRegistrable{id: "step-1", notified: make(chan backendclient.Operation, 1)}
	m.Register(reg)

	cell := m.Batcher.Submit(&backendclient.OperationUpdate{ID: "step-1", Kind: backendclient.KindStep, Action: backendclient.ActionStart}, 0)
	require.NoError(t, cell.Value())

	select {
	case op := <-reg.notified:
		require.Equal(t, "step-1", op.ID)
	case <-time.After(time.Second):
		t.Fatal("registrable never notified")
	}
}

func TestManager_ThreadRegistry_suspendsWhenEmpty(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	m.RegisterThread("Root")
	m.RegisterThread("child")
	require.Equal(t, 2, m.ActiveThreadCount())

	require.NoError(t, m.DeregisterThread("child"))
	require.Equal(t, 1, m.ActiveThreadCount())

	select {
	case <-m.ExceptionDone():
		t.Fatal("should not suspend while a thread remains")
	default:
	}

	err = m.DeregisterThread("Root")
	require.ErrorIs(t, err, errorsx.Suspend)

	select {
	case <-m.ExceptionDone():
	default:
		t.Fatal("expected suspend signal once the thread set drained")
	}
	require.ErrorIs(t, m.ExceptionValue(), errorsx.Suspend)
}

func TestManager_Terminate_firstWriteWins(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	m.Suspend()
	m.Terminate(errBoom)

	require.ErrorIs(t, m.ExceptionValue(), errorsx.Suspend)
}

func TestManager_Terminate_doesNotDoubleWrapUnrecoverable(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	u := &errorsx.UnrecoverableError{Cause: errBoom}
	m.Terminate(u)

	got, ok := errorsx.AsUnrecoverable(m.ExceptionValue())
	require.True(t, ok)
	require.Same(t, u, got)
}

func TestManager_RunUntilCompleteOrSuspend_userWins(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	userDone := make(chan struct{})
	close(userDone)
	err = m.RunUntilCompleteOrSuspend(userDone, func() error { return errBoom })
	require.Equal(t, errBoom, err)
}

func TestManager_RunUntilCompleteOrSuspend_suspendWins(t *testing.T) {
	backend := backendtest.New("arn:1", execOp())
	m, err := New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: []backendclient.Operation{execOp()}}, checkpoint.Config{})
	require.NoError(t, err)
	defer m.Shutdown()

	m.Suspend()
	userDone := make(chan struct{}) // never closes
	err = m.RunUntilCompleteOrSuspend(userDone, func() error { panic("should not be called") })
	require.ErrorIs(t, err, errorsx.Suspend)
}

package opstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-durable/backendclient"
	"github.com/joeycumines/go-durable/backendclient/backendtest"
	"github.com/joeycumines/go-durable/checkpoint"
	"github.com/joeycumines/go-durable/internal/execmgr"
	"github.com/joeycumines/go-durable/serdes"
)

// newTestManager wires an execmgr.Manager to an in-memory backendtest
// backend seeded with just the EXECUTION root plus any additional
// operations a replay scenario needs (spec.md §8 end-to-end scenarios).
func newTestManager(t *testing.T, extra ...backendclient.Operation) (*execmgr.Manager, *backendtest.Backend) {
	t.Helper()
	seed := append([]backendclient.Operation{
		{ID: "root", Kind: backendclient.KindExecution, Status: backendclient.StatusStarted},
	}, extra...)
	backend := backendtest.New("arn:test", seed...)
	mgr, err := execmgr.New(context.Background(), backend.Client(), backend.ARN(), backend.Token(), backendclient.ExecutionStatePage{Operations: seed}, checkpoint.Config{FlushInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	return mgr, backend
}

var jsonSer serdes.Serializer = serdes.JSON{}

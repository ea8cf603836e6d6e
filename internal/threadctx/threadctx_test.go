package threadctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom_emptyContextHasNoEntry(t *testing.T) {
	_, _, ok := From(context.Background())
	require.False(t, ok)
}

func TestWith_roundTripsIDAndKind(t *testing.T) {
	ctx := With(context.Background(), "step-1", KindStep)
	id, kind, ok := From(ctx)
	require.True(t, ok)
	require.Equal(t, "step-1", id)
	require.Equal(t, KindStep, kind)
}

func TestIsStep_trueOnlyForStepKind(t *testing.T) {
	require.False(t, IsStep(context.Background()))
	require.False(t, IsStep(With(context.Background(), "child-1", KindContext)))
	require.True(t, IsStep(With(context.Background(), "step-1", KindStep)))
}

func TestWith_nestedOverridesOuter(t *testing.T) {
	ctx := With(context.Background(), "outer", KindContext)
	ctx = With(ctx, "inner", KindStep)
	id, kind, ok := From(ctx)
	require.True(t, ok)
	require.Equal(t, "inner", id)
	require.Equal(t, KindStep, kind)
}

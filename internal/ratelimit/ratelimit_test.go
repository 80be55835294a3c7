package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(Unlimited)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, 10*1024*1024))
}

func TestWaitNConsumesBudget(t *testing.T) {
	l := New(1024)
	ctx := context.Background()
	require.NoError(t, l.WaitN(ctx, 512))
}

func TestWaitNBlocksUntilBudgetAvailable(t *testing.T) {
	l := New(1024)
	ctx := context.Background()
	// Drain the initial burst.
	require.NoError(t, l.WaitN(ctx, 1024))

	start := time.Now()
	require.NoError(t, l.WaitN(ctx, 512))
	require.True(t, time.Since(start) > 0)
}

func TestWaitNRespectsContextCancellation(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	// Drain burst so the next request must wait out the deadline.
	_ = l.WaitN(context.Background(), 1)
	err := l.WaitN(ctx, 1000)
	require.Error(t, err)
}

func TestSetLimitUpdatesThroughput(t *testing.T) {
	l := New(1024)
	l.SetLimit(Unlimited)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, 1<<20))
}

func TestZeroByteWaitIsNoOp(t *testing.T) {
	l := New(1)
	require.NoError(t, l.WaitN(context.Background(), 0))
}

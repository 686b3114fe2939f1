package asyncutil_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/asyncutil"
)

func TestWithTimeout_ZeroRunsWithParentContext(t *testing.T) {
	ctx := context.Background()
	err := asyncutil.WithTimeout(ctx, 0, func(inner context.Context) error {
		_, hasDeadline := inner.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTimeout_DeadlineApplied(t *testing.T) {
	err := asyncutil.WithTimeout(context.Background(), 10*time.Millisecond, func(inner context.Context) error {
		select {
		case <-inner.Done():
			return inner.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatchMap_PreservesOrder(t *testing.T) {
	inputs := []int{1, 2, 3, 4, 5}
	outs, err := asyncutil.BatchMap(context.Background(), inputs, 3, func(_ context.Context, in int) (int, error) {
		return in * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30, 40, 50}, outs)
}

func TestBatchMap_FirstErrorWins(t *testing.T) {
	sentinel := errors.New("boom")
	_, err := asyncutil.BatchMap(context.Background(), []int{1, 2, 3}, 1, func(_ context.Context, in int) (int, error) {
		if in == 2 {
			return 0, sentinel
		}
		return in, nil
	})
	require.ErrorIs(t, err, sentinel)
}

func TestBatchMap_EmptyInput(t *testing.T) {
	outs, err := asyncutil.BatchMap(context.Background(), nil, 4, func(_ context.Context, in int) (int, error) {
		return in, nil
	})
	require.NoError(t, err)
	assert.Nil(t, outs)
}

func TestBatchMap_RespectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	inputs := make([]int, 20)
	_, err := asyncutil.BatchMap(context.Background(), inputs, 2, func(_ context.Context, in int) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return in, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSettle_CollectsAllOutcomes(t *testing.T) {
	sentinel := errors.New("bad item")
	results := asyncutil.Settle(context.Background(), []int{1, 2, 3}, 2, func(_ context.Context, in int) (int, error) {
		if in == 2 {
			return 0, sentinel
		}
		return in * 10, nil
	})

	require.Len(t, results, 3)
	assert.Equal(t, 10, results[0].Value)
	require.ErrorIs(t, results[1].Err, sentinel)
	assert.Equal(t, 30, results[2].Value)
}

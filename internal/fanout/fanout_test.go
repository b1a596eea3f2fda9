package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMapKeepsDispatchOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	outs := Map(context.Background(), items, 0, func(_ context.Context, n int) (int, error) {
		// Later items finish first.
		time.Sleep(time.Duration(n) * 5 * time.Millisecond)
		return n * 10, nil
	})
	require.Len(t, outs, len(items))
	for i, o := range outs {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, items[i]*10, o.Value)
		assert.NoError(t, o.Err)
	}
}

func TestMapFailureDoesNotAbortSiblings(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	outs := Map(context.Background(), []string{"a", "b", "c"}, 0, func(_ context.Context, s string) (string, error) {
		calls.Add(1)
		if s == "b" {
			return "", boom
		}
		return s + "!", nil
	})
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "a!", outs[0].Value)
	assert.ErrorIs(t, outs[1].Err, boom)
	assert.Equal(t, "c!", outs[2].Value)

	vals, err := Values(outs, func(i int) string { return fmt.Sprintf("target %d", i) })
	assert.Equal(t, []string{"a!", "c!"}, vals)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "target 1")
}

func TestMapRespectsLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	Each(context.Background(), make([]int, 12), 3, func(context.Context, int) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMapCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := Each(ctx, []int{1, 2}, 0, func(context.Context, int) error { return nil })
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

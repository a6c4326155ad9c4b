package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("connection reset")

	t.Run("returns nil on first success", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Policy{Name: "op", Attempts: 3}, func(ctx context.Context, attempt int) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures until success", func(t *testing.T) {
		var seen []int
		err := Do(ctx, Policy{Name: "op", Attempts: 3, Delay: Fixed(time.Millisecond)}, func(ctx context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("wraps last error when exhausted", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Policy{Name: "op", Attempts: 3, Delay: Fixed(time.Millisecond)}, func(ctx context.Context, attempt int) error {
			calls++
			return transient
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, transient)
	})

	t.Run("stops on permanent error and returns inner error", func(t *testing.T) {
		definitive := errors.New("not found")
		calls := 0
		err := Do(ctx, Policy{Name: "op", Attempts: 5, Delay: Fixed(time.Millisecond)}, func(ctx context.Context, attempt int) error {
			calls++
			return Permanent(definitive)
		})
		assert.Equal(t, definitive, err)
		assert.Equal(t, 1, calls)
		assert.False(t, IsPermanent(err))
	})

	t.Run("honours context cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{Name: "op", Attempts: 3, Delay: Fixed(time.Hour)}, func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return transient
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("treats zero attempts as one", func(t *testing.T) {
		calls := 0
		_ = Do(ctx, Policy{Name: "op"}, func(ctx context.Context, attempt int) error {
			calls++
			return transient
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("waits the configured delay", func(t *testing.T) {
		start := time.Now()
		_ = Do(ctx, Policy{Name: "op", Attempts: 2, Delay: Fixed(30 * time.Millisecond)}, func(ctx context.Context, attempt int) error {
			return transient
		})
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})
}

func TestDelayFuncs(t *testing.T) {
	t.Run("Fixed", func(t *testing.T) {
		d := Fixed(time.Second)
		assert.Equal(t, time.Second, d(1))
		assert.Equal(t, time.Second, d(5))
	})

	t.Run("Exponential doubles and caps", func(t *testing.T) {
		d := Exponential(100*time.Millisecond, time.Second)
		assert.Equal(t, 100*time.Millisecond, d(1))
		assert.Equal(t, 200*time.Millisecond, d(2))
		assert.Equal(t, 400*time.Millisecond, d(3))
		assert.Equal(t, 800*time.Millisecond, d(4))
		assert.Equal(t, time.Second, d(5))
		assert.Equal(t, time.Second, d(10))
	})
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	for retry := range 10 {
		for range 50 {
			d := p.Delay(retry)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 2*time.Second)
		}
	}
	for range 50 {
		assert.LessOrEqual(t, p.Delay(0), 200*time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	always := func(error) bool { return true }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, always, func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, always, func(context.Context) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(error) bool { return false }, func(context.Context) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Policy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		calls := 0
		err := Do(ctx, slow, always, func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

package compensation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

func TestScheduler(t *testing.T) {
	t.Run("Action runs after the delay", func(t *testing.T) {
		assert := require.New(t)

		s := NewScheduler(20*time.Millisecond, time.Second)
		start := time.Now()
		var ran int32

		s.Schedule(context.Background(), "test", nil, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
		assert.Equal(int32(0), atomic.LoadInt32(&ran))

		s.Wait()
		assert.Equal(int32(1), atomic.LoadInt32(&ran))
		assert.True(time.Since(start) >= 20*time.Millisecond)
	})

	t.Run("Failed action is not retried", func(t *testing.T) {
		assert := require.New(t)

		s := NewScheduler(0, 0)
		var ran int32

		s.Schedule(context.Background(), "test", nil, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return errors.New("boom")
		})
		s.Wait()
		assert.Equal(int32(1), atomic.LoadInt32(&ran))
	})

	t.Run("Action outlives the request context", func(t *testing.T) {
		assert := require.New(t)

		ctx, err := logging.NewContext(context.Background())
		assert.NoError(err)
		ctx, cancel := context.WithCancel(ctx)

		s := NewScheduler(10*time.Millisecond, time.Second)
		var ctxErr error
		var ctxID interface{}

		s.Schedule(ctx, "test", nil, func(actx context.Context) error {
			ctxErr = actx.Err()
			ctxID = actx.Value(logging.ContextIDKey)
			return nil
		})
		cancel()
		s.Wait()

		assert.NoError(ctxErr)
		assert.Equal(ctx.Value(logging.ContextIDKey), ctxID)
	})
}

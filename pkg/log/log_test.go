package log

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, context.CancelFunc) {
	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)

	ctx, cancel := context.WithCancel(context.Background())
	logger.Start(ctx)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logger, cancel
}

func TestLogger(t *testing.T) {
	t.Run("feed", func(t *testing.T) {
		logger, _ := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		go logger.Info().Src("gateway").Path("/cam1").Msg("test")

		actual := <-feed
		actual.Time = 0

		expected := Log{
			Level: LevelInfo,
			Src:   "gateway",
			Path:  "/cam1",
			Msg:   "test",
		}
		require.Equal(t, expected, actual)
	})

	t.Run("msgf", func(t *testing.T) {
		logger, _ := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		go logger.Error().Src("app").Msgf("%d", 1)

		actual := <-feed
		require.Equal(t, "1", actual.Msg)
		require.Equal(t, LevelError, actual.Level)
	})

	t.Run("canceledSubscription", func(t *testing.T) {
		logger, _ := newTestLogger(t)

		feed, cancel := logger.Subscribe()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				logger.Debug().Msg("spam")
			}
			close(done)
		}()

		cancel()
		<-done
		_ = feed
	})

	t.Run("eventTime", func(t *testing.T) {
		logger, _ := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		now := time.Now()
		go logger.Warn().Time(now).Msg("x")

		actual := <-feed
		require.Equal(t, UnixMillisecond(now.UnixMilli()), actual.Time)
	})
}

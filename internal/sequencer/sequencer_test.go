package sequencer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RunsInSubmissionOrder(t *testing.T) {
	s := New()
	const n = 20

	var mu sync.Mutex
	var started []int
	var running atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Do(context.Background(), s, func(ctx context.Context) (int, error) {
				assert.Equal(t, int32(1), running.Add(1), "operations must not overlap")
				mu.Lock()
				started = append(started, i)
				mu.Unlock()
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				running.Add(-1)
				return i * 10, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i*10, v)
		}(i)
		// submissions are serialised so their order is known
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(started)+s.Len() > i
		}, time.Second, 100*time.Microsecond)
	}
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, started)
	assert.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)
}

func TestDo_FailureDoesNotStopQueue(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	gate := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.Run(context.Background(), func(ctx context.Context) error {
			<-gate
			return boom
		})
	}()
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)

	second := make(chan string, 1)
	go func() {
		v, err := Do(context.Background(), s, func(ctx context.Context) (string, error) { return "ok", nil })
		assert.NoError(t, err)
		second <- v
	}()
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, time.Millisecond)

	close(gate)
	assert.ErrorIs(t, <-first, boom)
	assert.Equal(t, "ok", <-second)
}

func TestDo_PanicBecomesError(t *testing.T) {
	s := New()
	_, err := Do(context.Background(), s, func(ctx context.Context) (int, error) { panic("bad") })
	assert.ErrorContains(t, err, "panicked")

	v, err := Do(context.Background(), s, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_CancelledBeforeTurnIsSkipped(t *testing.T) {
	s := New()
	gate := make(chan struct{})
	go s.Run(context.Background(), func(ctx context.Context) error {
		<-gate
		return nil
	})
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errs := make(chan error, 1)
	go func() {
		errs <- s.Run(ctx, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(gate)
	require.NoError(t, s.Run(context.Background(), func(ctx context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

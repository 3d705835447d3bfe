package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 30 * time.Second, Max: 10 * time.Minute}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.n), "retry %d", tt.n)
	}
}

func TestRetryPolicy_RunRetriesTransientErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	calls := 0
	attempts, err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Transient("test", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_RunStopsOnPermanentErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: time.Millisecond, Max: 5 * time.Millisecond}

	for _, failure := range []error{
		errs.Credential("test", errors.New("invalid_grant")),
		errs.InvalidTransition("test", "already syncing"),
	} {
		attempts, err := p.Run(context.Background(), func(ctx context.Context) error { return failure })
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, errs.KindOf(failure), errs.KindOf(err))
	}
}

func TestRetryPolicy_RunExhausts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	attempts, err := p.Run(context.Background(), func(ctx context.Context) error {
		return errs.Transient("test", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errs.Retryable(err))
}

func newTestPool(t *testing.T, workers int, policy RetryPolicy) *Pool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(workers, 16, policy, zap.NewNop())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})
	return pool
}

func TestPool_RunsJobs(t *testing.T) {
	pool := newTestPool(t, 4, RetryPolicy{MaxAttempts: 1})

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), Job{
			Name:   "count",
			Run:    func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
			OnDone: wg.Done,
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := newTestPool(t, 1, RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: time.Millisecond})

	var runs int32
	exhausted := make(chan error, 1)
	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Job{
		Name: "boom",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			panic("boom")
		},
		OnExhausted: func(ctx context.Context, err error) { exhausted <- err },
		OnDone:      func() { close(done) },
	}))
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "a panic is not retried")
	assert.Empty(t, exhausted)

	// the worker survived the panic
	ran := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Job{Name: "after", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the next job")
	}
}

func TestPool_CallsOnExhausted(t *testing.T) {
	pool := newTestPool(t, 1, RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond})

	exhausted := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), Job{
		Name:        "flaky",
		Run:         func(ctx context.Context) error { return errs.Transient("test", errors.New("429")) },
		OnExhausted: func(ctx context.Context, err error) { exhausted <- err },
	}))

	select {
	case err := <-exhausted:
		assert.True(t, errs.Is(err, errs.KindTransientProvider))
	case <-time.After(time.Second):
		t.Fatal("OnExhausted was not called")
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 1, RetryPolicy{MaxAttempts: 1}, zap.NewNop())
	pool.Start(context.Background())
	pool.Stop()

	err := pool.Submit(context.Background(), Job{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, pool.TrySubmit(Job{Name: "late"}))
}

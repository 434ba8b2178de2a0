package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	done := make(chan string, 2)
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		done <- job.ID
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-1", Type: "schedule"}))
	require.NoError(t, q.Enqueue(Job{ID: "run-2", Type: "schedule"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.True(t, seen["run-1"])
	assert.True(t, seen["run-2"])
}

func TestQueueZeroRetriesRunsOnce(t *testing.T) {
	var calls int32
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("infeasible")
	}, QueueConfig{Workers: 1, MaxRetries: 0, RetryDelay: 10 * time.Millisecond})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "run-1"}))
	time.Sleep(100 * time.Millisecond)
	q.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueueRetriesUpToLimit(t *testing.T) {
	var calls int32
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("transient")
	}, QueueConfig{Workers: 1, MaxRetries: 2, RetryDelay: 5 * time.Millisecond})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "run-1"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	q.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueueRejectsWhenNotStartedOrFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})

	require.Error(t, q.Enqueue(Job{ID: "early"}))

	q.Start(context.Background())
	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(Job{ID: "b"}))
	assert.Equal(t, 1, q.Len())

	err := q.Enqueue(Job{ID: "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))

	close(block)
	q.Stop()
}

func TestQueueBoundsEachJob(t *testing.T) {
	deadlines := make(chan bool, 1)
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		_, ok := ctx.Deadline()
		<-ctx.Done()
		deadlines <- ok
		return ctx.Err()
	}, QueueConfig{Workers: 1, JobTimeout: 20 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "slow"}))
	select {
	case ok := <-deadlines:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("job never hit its deadline")
	}
}

func TestQueueRecoversPanicsAndReportsOutcomes(t *testing.T) {
	outcomes := make(chan Outcome, 2)
	q := NewQueue("solve", func(ctx context.Context, job Job) error {
		if job.ID == "broken" {
			panic("index out of range")
		}
		return nil
	}, QueueConfig{Workers: 1, Observer: func(o Outcome) { outcomes <- o }})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "broken", RequestID: "req-1"}))
	require.NoError(t, q.Enqueue(Job{ID: "fine"}))

	first := <-outcomes
	assert.Equal(t, "broken", first.Job.ID)
	assert.Equal(t, "req-1", first.Job.RequestID)
	assert.ErrorIs(t, first.Err, ErrJobPanicked)

	select {
	case second := <-outcomes:
		assert.Equal(t, "fine", second.Job.ID)
		assert.NoError(t, second.Err)
		assert.Equal(t, "solve", second.Queue)
		assert.GreaterOrEqual(t, second.Wait, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

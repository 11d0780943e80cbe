package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/stretchr/testify/require"
)

func TestRunWithTimeoutWorkWins(t *testing.T) {
	require := require.New(t)
	var timeouts int32
	err := RunWithTimeout(context.Background(), time.Second, "quick", func(ctx context.Context) error {
		return nil
	}, func() { atomic.AddInt32(&timeouts, 1) })
	require.Nil(err)
	require.Equal(int32(0), atomic.LoadInt32(&timeouts))

	boom := errors.New("boom")
	err = RunWithTimeout(context.Background(), time.Second, "failing", func(ctx context.Context) error {
		return boom
	}, func() { atomic.AddInt32(&timeouts, 1) })
	require.ErrorIs(err, boom)
	require.Equal(int32(0), atomic.LoadInt32(&timeouts))
}

func TestRunWithTimeoutDeadlineWins(t *testing.T) {
	require := require.New(t)
	var timeouts int32
	release := make(chan struct{})
	finished := make(chan struct{})
	err := RunWithTimeout(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		defer close(finished)
		<-release
		return errors.New("late result")
	}, func() { atomic.AddInt32(&timeouts, 1) })
	require.ErrorIs(err, ErrTimeout)
	require.Equal(int32(1), atomic.LoadInt32(&timeouts))

	close(release)
	<-finished
	require.Equal(int32(1), atomic.LoadInt32(&timeouts))
}

func TestRunWithTimeoutRecoversPanic(t *testing.T) {
	require := require.New(t)
	err := RunWithTimeout(context.Background(), time.Second, "panicking", func(ctx context.Context) error {
		panic("nope")
	}, nil)
	require.NotNil(err)
	require.Contains(err.Error(), "panicking panicked")
}

func newQueues(t *testing.T, timeout time.Duration, onTimeout func(id, label string)) *ConversationQueues {
	c := config.NewConfig(config.WithLoggingPrefix(t.Name()), config.WithTaskTimeout(timeout))
	return NewConversationQueues(c, onTimeout)
}

func TestConversationQueueOrderSurvivesFailure(t *testing.T) {
	require := require.New(t)
	q := newQueues(t, time.Second, nil)
	ctx := context.Background()

	var lock sync.Mutex
	var order []string
	record := func(s string) {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, s)
	}

	gate := make(chan struct{})
	first := q.Enqueue(ctx, "05aa", "first", func(ctx context.Context) error {
		<-gate
		record("first")
		return errors.New("first failed")
	})
	second := q.Enqueue(ctx, "05aa", "second", func(ctx context.Context) error {
		record("second")
		return nil
	})
	other := q.Enqueue(ctx, "05bb", "other", func(ctx context.Context) error {
		record("other")
		return nil
	})

	require.Nil(<-other)
	close(gate)
	require.NotNil(<-first)
	require.Nil(<-second)
	require.Equal([]string{"other", "first", "second"}, order)
}

func TestConversationQueuesTearDownWhenDrained(t *testing.T) {
	require := require.New(t)
	q := newQueues(t, time.Second, nil)
	ctx := context.Background()

	for i := 0; i != 5; i++ {
		q.Enqueue(ctx, "05aa", "job", func(ctx context.Context) error { return nil })
	}
	q.Enqueue(ctx, "05bb", "job", func(ctx context.Context) error { return nil })
	q.Wait()
	require.Equal(0, q.Active())

	require.Nil(q.Run(ctx, "05aa", "again", func(ctx context.Context) error { return nil }))
	q.Wait()
	require.Equal(0, q.Active())
}

func TestConversationQueueTimeoutKeepsSerialization(t *testing.T) {
	require := require.New(t)
	var timedOut []string
	var lock sync.Mutex
	q := newQueues(t, 20*time.Millisecond, func(id, label string) {
		lock.Lock()
		defer lock.Unlock()
		timedOut = append(timedOut, id+"/"+label)
	})
	ctx := context.Background()

	release := make(chan struct{})
	var running int32
	var overlapped int32
	slow := q.Enqueue(ctx, "05aa", "slow", func(ctx context.Context) error {
		atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		<-release
		return nil
	})
	next := q.Enqueue(ctx, "05aa", "next", func(ctx context.Context) error {
		if atomic.LoadInt32(&running) != 0 {
			atomic.StoreInt32(&overlapped, 1)
		}
		return nil
	})

	require.ErrorIs(<-slow, ErrTimeout)
	close(release)
	require.Nil(<-next)
	require.Equal(int32(0), atomic.LoadInt32(&overlapped))
	require.Equal([]string{"05aa/slow"}, timedOut)
}

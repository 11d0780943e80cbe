package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/config"
	"go.uber.org/zap"
)

type job struct {
	label string
	fn    TaskFunc
	done  chan error
}

type conversationQueue struct {
	jobs []*job
}

// ConversationQueues gives every conversation its own FIFO. A job starts only once the previous
// job for the same conversation has returned, whether it failed, timed out or succeeded. Queues
// exist only while they have work.
type ConversationQueues struct {
	log       *zap.SugaredLogger
	timeout   time.Duration
	lock      sync.Mutex
	queues    map[string]*conversationQueue
	finished  sync.WaitGroup
	onTimeout func(id, label string)
}

func NewConversationQueues(c *config.Config, onTimeout func(id, label string)) *ConversationQueues {
	return &ConversationQueues{
		log:       c.Logger("jobs/conversation"),
		timeout:   c.TaskTimeout,
		queues:    make(map[string]*conversationQueue),
		onTimeout: onTimeout,
	}
}

// Enqueue appends fn to the tail of id's queue. The returned channel receives the job's result.
func (q *ConversationQueues) Enqueue(ctx context.Context, id, label string, fn TaskFunc) <-chan error {
	j := &job{label: label, fn: fn, done: make(chan error, 1)}

	q.lock.Lock()
	defer q.lock.Unlock()
	cq, ok := q.queues[id]
	if ok {
		cq.jobs = append(cq.jobs, j)
		return j.done
	}
	cq = &conversationQueue{jobs: []*job{j}}
	q.queues[id] = cq
	q.finished.Add(1)
	go q.drain(ctx, id, cq)
	return j.done
}

// Run enqueues fn and waits for its result.
func (q *ConversationQueues) Run(ctx context.Context, id, label string, fn TaskFunc) error {
	return <-q.Enqueue(ctx, id, label, fn)
}

func (q *ConversationQueues) drain(ctx context.Context, id string, cq *conversationQueue) {
	defer q.finished.Done()
	for {
		q.lock.Lock()
		if len(cq.jobs) == 0 {
			delete(q.queues, id)
			q.lock.Unlock()
			return
		}
		j := cq.jobs[0]
		cq.jobs = cq.jobs[1:]
		q.lock.Unlock()

		settled := make(chan struct{})
		err := RunWithTimeout(ctx, q.timeout, j.label, func(ctx context.Context) error {
			defer close(settled)
			return j.fn(ctx)
		}, func() {
			if q.onTimeout != nil {
				q.onTimeout(id, j.label)
			}
		})
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				q.log.Warnf("job %s for %s timed out", j.label, id)
			} else {
				q.log.Debugf("job %s for %s failed: %v", j.label, id, err)
			}
		}
		j.done <- err
		<-settled
	}
}

// Active reports how many conversations currently have a queue.
func (q *ConversationQueues) Active() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.queues)
}

// Wait blocks until every queue has drained.
func (q *ConversationQueues) Wait() {
	q.finished.Wait()
}

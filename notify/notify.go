// Package notify coalesces conversation changes into batches for the UI. Several patches for the
// same conversation published within one flush interval arrive as a single merged patch.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Patch holds the changed attributes of a conversation. Later values win when patches merge.
type Patch map[string]interface{}

const (
	KeyActiveAt        = "active_at_ms"
	KeyUnread          = "unread"
	KeyHidden          = "hidden"
	KeyDidApproveMe    = "did_approve_me"
	KeyDisplayName     = "display_name"
	KeyName            = "name"
	KeyTyping          = "typing"
	KeyExpireTimer     = "expire_timer_sec"
	KeyMessageAdded    = "message_added"
	KeyMessageDeleted  = "message_deleted"
	KeyReadByRecipient = "read_by_recipient"
	KeyReactions       = "reactions"
	KeyMembership      = "membership"
)

type Listener interface {
	OnConversationChanged(id string, patch Patch)
}

type ListenerFunc func(id string, patch Patch)

func (f ListenerFunc) OnConversationChanged(id string, patch Patch) {
	f(id, patch)
}

type change struct {
	id    string
	patch Patch
}

type Batcher struct {
	log        *zap.SugaredLogger
	listener   Listener
	interval   time.Duration
	incoming   chan *change
	flushes    chan chan struct{}
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewBatcher(c *config.Config, listener Listener) *Batcher {
	return &Batcher{
		log:        c.Logger("notify"),
		listener:   listener,
		interval:   c.NotifyFlushInterval,
		incoming:   make(chan *change, 100),
		flushes:    make(chan chan struct{}),
		cancelFunc: nil,
	}
}

func (b *Batcher) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	b.cancelFunc = cancelFunc
	b.startBatching(ctx)
}

// Shutdown delivers whatever is pending before returning.
func (b *Batcher) Shutdown() error {
	if b.cancelFunc != nil {
		b.cancelFunc()
		b.finished.Wait()
		b.cancelFunc = nil
	}
	return nil
}

// Publish queues patch for id. The patch is copied so the caller may reuse it.
func (b *Batcher) Publish(id string, patch Patch) {
	p := make(Patch, len(patch))
	maps.Copy(p, patch)
	b.incoming <- &change{id: id, patch: p}
}

// Flush delivers everything published so far and waits for the listener to return.
func (b *Batcher) Flush() {
	done := make(chan struct{})
	b.flushes <- done
	<-done
}

func (b *Batcher) startBatching(ctx context.Context) {
	b.finished.Add(1)
	go func() {
		pending := make(map[string]Patch)
		var order []string
		timer := time.NewTimer(b.interval)
		if !timer.Stop() {
			<-timer.C
		}
		armed := false

		add := func(c *change) {
			p, ok := pending[c.id]
			if !ok {
				pending[c.id] = c.patch
				order = append(order, c.id)
				return
			}
			maps.Copy(p, c.patch)
		}
		flush := func() {
			for _, id := range order {
				b.listener.OnConversationChanged(id, pending[id])
			}
			if len(order) != 0 {
				b.log.Debugf("flushed %d conversation changes", len(order))
			}
			maps.Clear(pending)
			order = order[:0]
		}
		drain := func() {
			for {
				select {
				case c := <-b.incoming:
					add(c)
				default:
					return
				}
			}
		}
		disarm := func() {
			if armed && !timer.Stop() {
				<-timer.C
			}
			armed = false
		}

		for {
			select {
			case <-ctx.Done():
				drain()
				disarm()
				flush()
				b.finished.Done()
				return
			case c := <-b.incoming:
				add(c)
				if !armed {
					timer.Reset(b.interval)
					armed = true
				}
			case <-timer.C:
				armed = false
				flush()
			case done := <-b.flushes:
				drain()
				disarm()
				flush()
				close(done)
			}
		}
	}()
}

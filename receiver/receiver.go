// Package receiver takes envelopes from the swarm poller, authenticates them one at a time in
// arrival order and hands their content to the dispatcher. Group envelopes that none of our key
// pairs can open are parked until a new key pair for that group arrives.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/dispatch"
	"github.com/meow-io/go-inbox/groups"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/jobs"
	"github.com/meow-io/go-inbox/metrics"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/store"
	"go.uber.org/zap"
)

var (
	ErrDeferred   = errors.New("receiver: deferred until a key pair arrives")
	ErrInFlight   = errors.New("receiver: envelope already being processed")
	ErrNotRunning = errors.New("receiver: not running")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, env *protocol.Envelope, content *protocol.Content) <-chan error
}

// GroupV2Decryptor opens envelopes for groups identified by an 03 key.
type GroupV2Decryptor interface {
	DecryptGroupMessage(groupPk pubkey.Key, ciphertext []byte) (*crypto.Decrypted, error)
}

type item struct {
	key        string
	env        *protocol.Envelope
	deferredID string
	done       chan error
}

type Receiver struct {
	log         *zap.SugaredLogger
	config      *config.Config
	store       *store.Store
	identity    *crypto.Identity
	cache       *groups.KeyPairCache
	dispatcher  Dispatcher
	groupsV2    GroupV2Decryptor
	metrics     *metrics.Metrics
	incoming    chan *item
	pendingLock sync.Mutex
	pending     map[string]*item
	finished    sync.WaitGroup
	inFlight    sync.WaitGroup
	runningLock sync.RWMutex
	ctx         context.Context
	cancelFunc  context.CancelFunc
}

func NewReceiver(c *config.Config, st *store.Store, identity *crypto.Identity, cache *groups.KeyPairCache, d Dispatcher, groupsV2 GroupV2Decryptor, m *metrics.Metrics) *Receiver {
	return &Receiver{
		log:        c.Logger("receiver"),
		config:     c,
		store:      st,
		identity:   identity,
		cache:      cache,
		dispatcher: d,
		groupsV2:   groupsV2,
		metrics:    m,
		incoming:   make(chan *item, c.IncomingQueueSize),
		pending:    make(map[string]*item),
		cancelFunc: nil,
	}
}

func (r *Receiver) Start() error {
	if err := r.store.Run("pruning deferred envelopes", func() error {
		pruned, err := r.store.PruneDeferredEnvelopes(r.store.NowMs(), r.config.MaxDeferredAttempts)
		if err != nil {
			return err
		}
		if pruned != 0 {
			r.log.Infof("pruned %d deferred envelopes", pruned)
		}
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	r.runningLock.Lock()
	r.ctx = ctx
	r.cancelFunc = cancelFunc
	r.runningLock.Unlock()
	r.startProcessing(ctx)
	return nil
}

// Shutdown stops processing and waits for envelopes already handed to the dispatcher. Envelopes
// still queued are answered with ErrNotRunning.
func (r *Receiver) Shutdown() error {
	r.runningLock.RLock()
	cancelFunc := r.cancelFunc
	r.runningLock.RUnlock()
	if cancelFunc == nil {
		return nil
	}
	cancelFunc()

	// waits for any enqueue which saw us running
	r.runningLock.Lock()
	r.cancelFunc = nil
	r.runningLock.Unlock()

	r.finished.Wait()
	r.inFlight.Wait()
	for {
		select {
		case it := <-r.incoming:
			r.abandon(it)
		default:
			return nil
		}
	}
}

func (r *Receiver) abandon(it *item) {
	r.evict(it)
	r.log.Debugf("abandoned %s on shutdown", it.key)
	it.done <- fmt.Errorf("%w: %s was still queued", ErrNotRunning, it.key)
}

// Deliver decodes a raw envelope as fetched from the swarm and queues it. The returned channel
// yields the envelope's final outcome once it has been committed or dropped.
func (r *Receiver) Deliver(ctx context.Context, raw []byte, messageHash string, expiresAtMs int64) (<-chan error, error) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		r.dropped("malformed envelope")
		return nil, fmt.Errorf("receiver: error decoding envelope %s: %w", messageHash, err)
	}
	env.MessageHash = messageHash
	env.ExpiresAtMs = expiresAtMs
	return r.DeliverEnvelope(ctx, env)
}

// DeliverEnvelope queues an already decoded envelope.
func (r *Receiver) DeliverEnvelope(ctx context.Context, env *protocol.Envelope) (<-chan error, error) {
	if env.ID == "" {
		env.ID = ids.NewID().String()
	}
	if env.ReceivedAtMs == 0 {
		env.ReceivedAtMs = r.store.NowMs()
	}
	key := env.MessageHash
	if key == "" {
		key = env.ID
	}
	return r.enqueue(ctx, &item{key: key, env: env})
}

func (r *Receiver) enqueue(ctx context.Context, it *item) (<-chan error, error) {
	r.runningLock.RLock()
	defer r.runningLock.RUnlock()
	if r.cancelFunc == nil {
		return nil, ErrNotRunning
	}
	if r.metrics != nil {
		r.metrics.EnvelopesReceived.Inc()
	}
	it.done = make(chan error, 1)

	r.pendingLock.Lock()
	if _, ok := r.pending[it.key]; ok {
		r.pendingLock.Unlock()
		r.dropped("in flight")
		it.done <- fmt.Errorf("%w: %s", ErrInFlight, it.key)
		return it.done, nil
	}
	r.pending[it.key] = it
	r.pendingLock.Unlock()

	select {
	case r.incoming <- it:
		return it.done, nil
	case <-ctx.Done():
		r.evict(it)
		return nil, ctx.Err()
	case <-r.ctx.Done():
		r.evict(it)
		return nil, ErrNotRunning
	}
}

// Pending reports how many envelopes are queued or being processed.
func (r *Receiver) Pending() int {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	return len(r.pending)
}

// evict forgets it so that the same envelope may be delivered again. It reports whether it was
// still pending.
func (r *Receiver) evict(it *item) bool {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	if current, ok := r.pending[it.key]; ok && current == it {
		delete(r.pending, it.key)
		return true
	}
	return false
}

func (r *Receiver) startProcessing(ctx context.Context) {
	r.finished.Add(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				r.finished.Done()
				return
			case it := <-r.incoming:
				if ctx.Err() != nil {
					r.abandon(it)
					continue
				}
				r.process(ctx, it)
			}
		}
	}()
}

func (r *Receiver) process(ctx context.Context, it *item) {
	start := time.Now()
	routed := make(chan (<-chan error), 1)
	label := fmt.Sprintf("decrypting %s", it.key)
	err := jobs.RunWithTimeout(ctx, r.config.DecryptTimeout, label, func(_ context.Context) error {
		result, err := r.route(ctx, it)
		if err != nil {
			return err
		}
		routed <- result
		return nil
	}, func() {
		if r.evict(it) && r.metrics != nil {
			r.metrics.Timeouts.WithLabelValues("decrypt").Inc()
		}
	})
	if err != nil {
		r.complete(it, err, start)
		return
	}

	result := <-routed
	r.inFlight.Add(1)
	go func() {
		defer r.inFlight.Done()
		r.complete(it, <-result, start)
	}()
}

// route authenticates the envelope and hands it to the dispatcher.
func (r *Receiver) route(ctx context.Context, it *item) (<-chan error, error) {
	env := it.env
	decrypted, err := r.decrypt(env)
	if err != nil {
		if errors.Is(err, crypto.ErrNoKeyPair) || errors.Is(err, crypto.ErrNoMatchingKeyPair) {
			return nil, r.deferEnvelope(it, err)
		}
		return nil, err
	}
	content, err := protocol.DecodeContent(decrypted.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("receiver: error decoding content of %s: %w", it.key, err)
	}
	return r.dispatcher.Dispatch(ctx, env.WithAuthor(decrypted.Author), content), nil
}

func (r *Receiver) decrypt(env *protocol.Envelope) (*crypto.Decrypted, error) {
	if !env.IsGroup() {
		return crypto.Decrypt(env.Content, r.identity.X25519, true)
	}

	groupID, err := pubkey.Parse(env.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: group source %q", protocol.ErrMalformed, env.Source)
	}
	if groupID.IsGroupV2() {
		if r.groupsV2 == nil {
			return nil, fmt.Errorf("%w: no decryptor for %s", crypto.ErrAuthentication, groupID)
		}
		return r.groupsV2.DecryptGroupMessage(groupID, env.Content)
	}
	pairs, err := r.cache.ForGroup(groupID)
	if err != nil {
		return nil, err
	}
	decrypted, _, err := crypto.DecryptWithAny(env.Content, pairs, true)
	return decrypted, err
}

func (r *Receiver) deferEnvelope(it *item, cause error) error {
	env := it.env
	id := it.deferredID
	if id == "" {
		id = it.key
	}
	if err := r.store.Run(fmt.Sprintf("deferring %s", id), func() error {
		return r.store.SaveDeferredEnvelope(&store.DeferredEnvelope{
			ID:           id,
			GroupID:      env.Source,
			Envelope:     env.Marshal(),
			MessageHash:  env.MessageHash,
			ExpiresAtMs:  env.ExpiresAtMs,
			ReceivedAtMs: env.ReceivedAtMs,
		})
	}); err != nil {
		return err
	}
	it.deferredID = id
	if r.metrics != nil {
		r.metrics.EnvelopesDeferred.Inc()
	}
	return fmt.Errorf("%w: %v", ErrDeferred, cause)
}

// KeyPairAdded queues every envelope parked for groupID again.
func (r *Receiver) KeyPairAdded(groupID pubkey.Key) {
	var deferred []*store.DeferredEnvelope
	if err := r.store.Run(fmt.Sprintf("loading deferred envelopes for %s", groupID), func() error {
		if _, err := r.store.PruneDeferredEnvelopes(r.store.NowMs(), r.config.MaxDeferredAttempts); err != nil {
			return err
		}
		var err error
		deferred, err = r.store.DeferredEnvelopesForGroup(groupID.String())
		return err
	}); err != nil {
		r.log.Warnf("error loading deferred envelopes for %s: %v", groupID, err)
		return
	}
	if len(deferred) == 0 {
		return
	}
	r.log.Infof("retrying %d deferred envelopes for %s", len(deferred), groupID)

	for _, d := range deferred {
		env, err := protocol.DecodeEnvelope(d.Envelope)
		if err != nil {
			r.log.Warnf("dropping undecodable deferred envelope %s: %v", d.ID, err)
			r.forgetDeferred(d.ID)
			continue
		}
		env.MessageHash = d.MessageHash
		env.ExpiresAtMs = d.ExpiresAtMs
		env.ReceivedAtMs = d.ReceivedAtMs
		env.ID = d.ID
		key := d.MessageHash
		if key == "" {
			key = d.ID
		}
		if _, err := r.enqueue(r.ctx, &item{key: key, env: env, deferredID: d.ID}); err != nil {
			r.log.Debugf("unable to requeue %s: %v", d.ID, err)
		}
	}
}

func (r *Receiver) forgetDeferred(id string) {
	if err := r.store.Run(fmt.Sprintf("forgetting deferred %s", id), func() error {
		return r.store.DeleteDeferredEnvelope(id)
	}); err != nil {
		r.log.Warnf("error deleting deferred envelope %s: %v", id, err)
	}
}

func (r *Receiver) complete(it *item, err error, start time.Time) {
	r.evict(it)
	if it.deferredID != "" && !errors.Is(err, ErrDeferred) {
		r.forgetDeferred(it.deferredID)
	}
	if r.metrics != nil {
		r.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	}
	r.report(it, err)
	it.done <- err
}

func (r *Receiver) report(it *item, err error) {
	var drop *dispatch.DropError
	switch {
	case err == nil:
		r.log.Debugf("processed %s", it.key)
	case errors.As(err, &drop):
		r.log.Debugf("dropped %s: %s", it.key, drop.Reason)
		r.dropped(drop.Reason)
	case errors.Is(err, dispatch.ErrDuplicate):
		r.log.Debugf("duplicate %s", it.key)
		r.dropped("duplicate")
	case errors.Is(err, groups.ErrIgnored):
		r.log.Debugf("ignored group control %s: %v", it.key, err)
		r.dropped("group control ignored")
	case errors.Is(err, groups.ErrStale):
		r.log.Debugf("stale group control %s: %v", it.key, err)
		r.dropped("group control stale")
	case errors.Is(err, ErrDeferred):
		r.log.Infof("deferred %s: %v", it.key, err)
	case errors.Is(err, jobs.ErrTimeout):
		r.log.Warnf("timed out processing %s: %v", it.key, err)
	case errors.Is(err, context.Canceled):
		r.log.Debugf("abandoned %s on shutdown", it.key)
	case errors.Is(err, crypto.ErrAuthentication):
		r.log.Warnf("unable to authenticate %s: %v", it.key, err)
		if r.metrics != nil {
			t := "direct"
			if it.env.IsGroup() {
				t = "group"
			}
			r.metrics.DecryptFailures.WithLabelValues(t).Inc()
		}
	default:
		r.log.Warnf("error processing %s: %v", it.key, err)
		r.dropped("error")
	}
}

func (r *Receiver) dropped(reason string) {
	if r.metrics != nil {
		r.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
}

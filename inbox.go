// This package provides the inbound side of a swarm messenger. Envelopes retrieved by a poller
// are handed to Deliver, authenticated, filtered and committed to an encrypted local store in
// per-conversation order. Changes are reported through Updates.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/dispatch"
	"github.com/meow-io/go-inbox/groups"
	"github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/jobs"
	"github.com/meow-io/go-inbox/metrics"
	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/receiver"
	"github.com/meow-io/go-inbox/recency"
	"github.com/meow-io/go-inbox/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

var ErrNotRunning = errors.New("inbox: not running")

// An event indicating a change in the state of the inbox.
type AppState struct {
	State int
}

// An event carrying the merged changes to one conversation.
type ConversationUpdate struct {
	ID    string
	Patch notify.Patch
}

const (
	GroupJoined    = "joined"
	GroupKicked    = "kicked"
	GroupLeft      = "left"
	GroupDisbanded = "disbanded"
)

// An event indicating a change in our own membership of a closed group.
type GroupUpdate struct {
	ID    pubkey.Key
	Event string
	Name  string
}

// An event asking the application to send a group's key pair to new members.
type KeyPairDistribution struct {
	GroupID    pubkey.Key
	KeyPair    *crypto.KeyPair
	Recipients []pubkey.Key
}

// An event indicating that a message was unsent and its swarm copy can be deleted.
type MessageUnsent struct {
	MessageHash string
}

// External holds the optional collaborators owned by the application.
type External struct {
	Contacts         dispatch.ContactLookup
	GroupInfo        dispatch.GroupInfo
	Calls            dispatch.CallHandler
	GroupsV2         dispatch.GroupV2Handler
	GroupV2Decryptor receiver.GroupV2Decryptor
	Registerer       prometheus.Registerer
}

type Inbox struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	identity   *crypto.Identity
	external   External
	store      *store.Store
	marks      *recency.Marks
	cache      *groups.KeyPairCache
	groups     *groups.Machine
	queues     *jobs.ConversationQueues
	dispatcher *dispatch.Dispatcher
	receiver   *receiver.Receiver
	notifier   *notify.Batcher
	metrics    *metrics.Metrics

	updatesLock sync.RWMutex
	updates     chan interface{}
	closing     chan struct{}
}

// Create an inbox for identity, storing its data under the configured root directory.
func NewInbox(c *config.Config, identity *crypto.Identity, external External) (*Inbox, error) {
	return newInbox(c, clock.NewSystemClock(), identity, external)
}

func newInbox(c *config.Config, cl clock.Clock, identity *crypto.Identity, external External) (*Inbox, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making inbox, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, cl, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Inbox{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    cl,
		identity: identity,
		external: external,
		metrics:  metrics.New(external.Registerer),
		updates:  make(chan interface{}, 100),
		closing:  make(chan struct{}),
	}, nil
}

// Makes a database key from a password
func (i *Inbox) NewKey(password string) ([]byte, error) {
	return newKey(password, i.config.RootDir, "salt")
}

// Gets various updates which must be dealt with.
// This will produce *AppState, *ConversationUpdate, *GroupUpdate, *KeyPairDistribution or *MessageUnsent
func (i *Inbox) Updates() chan interface{} {
	i.updatesLock.RLock()
	defer i.updatesLock.RUnlock()
	return i.updates
}

// emit publishes u from a background goroutine. Once shutdown has begun a blocked send gives up
// instead of holding the channel open.
func (i *Inbox) emit(u interface{}) {
	i.updatesLock.RLock()
	defer i.updatesLock.RUnlock()
	select {
	case i.updates <- u:
	case <-i.closing:
		i.log.Debugf("dropping %T after shutdown", u)
	}
}

// resetUpdates closes the current updates channel once no emit is using it and starts a new one.
func (i *Inbox) resetUpdates() {
	close(i.closing)
	i.updatesLock.Lock()
	defer i.updatesLock.Unlock()
	close(i.updates)
	i.updates = make(chan interface{}, 100)
	i.closing = make(chan struct{})
}

// Returns true is the inbox is in NEW state.
func (i *Inbox) New() bool {
	return i.state == StateNew
}

// Returns true is the inbox is in INITIALIZED state.
func (i *Inbox) Initialized() bool {
	return i.state == StateInitialized
}

// Returns true is the inbox is in RUNNING state.
func (i *Inbox) Running() bool {
	return i.state == StateRunning
}

func (i *Inbox) Metrics() *metrics.Metrics {
	return i.metrics
}

// Initialize the inbox with a given key.
func (i *Inbox) Initialize(key []byte) error {
	if i.state != StateNew {
		return errors.New("inbox: cannot initialize unless in state new")
	}
	if err := i.DB.Initialize(key); err != nil {
		return err
	}
	i.setState(StateInitialized)
	return i.Open(key)
}

// Open an existing inbox with a given key.
func (i *Inbox) Open(key []byte) error {
	if i.state != StateInitialized {
		return errors.New("inbox: cannot open unless in state initialized")
	}
	if err := i.DB.Open(key); err != nil {
		return err
	}

	if err := i.DB.Lock("initializing subsystems", func() error {
		st, err := store.New(i.config, i.DB)
		if err != nil {
			return err
		}
		i.store = st
		i.marks = recency.NewMarks()
		i.cache = groups.NewKeyPairCache(st)
		reconciler := recency.NewReconciler(i.config, i.marks)
		machine, err := groups.NewMachine(i.config, st, i.cache, reconciler, i.identity, &groupHooks{i}, &groupHooks{i})
		if err != nil {
			return err
		}
		i.groups = machine
		i.queues = jobs.NewConversationQueues(i.config, func(id, label string) {
			i.metrics.Timeouts.WithLabelValues("conversation").Inc()
		})
		i.notifier = notify.NewBatcher(i.config, notify.ListenerFunc(func(id string, patch notify.Patch) {
			i.emit(&ConversationUpdate{ID: id, Patch: patch})
		}))
		i.dispatcher = dispatch.NewDispatcher(i.config, st, i.queues, reconciler, machine, i.notifier, i.metrics, i.identity.SessionID(), dispatch.Collaborators{
			Contacts:  i.external.Contacts,
			GroupInfo: i.external.GroupInfo,
			Calls:     i.external.Calls,
			GroupsV2:  i.external.GroupsV2,
			Hooks:     &unsendHooks{i},
		})
		i.receiver = receiver.NewReceiver(i.config, st, i.identity, i.cache, i.dispatcher, i.external.GroupV2Decryptor, i.metrics)
		machine.OnKeyPairAdded(i.receiver.KeyPairAdded)
		return nil
	}); err != nil {
		return err
	}

	var stored map[string]int64
	if err := i.store.RunReadOnly("loading recency marks", func() error {
		var err error
		stored, err = i.store.RecencyMarks()
		return err
	}); err != nil {
		return err
	}
	i.marks.Load(stored)

	i.notifier.Start()
	if err := i.receiver.Start(); err != nil {
		return err
	}
	i.setState(StateRunning)
	return nil
}

// Gracefully stop a running inbox.
func (i *Inbox) Shutdown() error {
	if i.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if err := i.receiver.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	i.queues.Wait()
	if err := i.notifier.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := i.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("inbox: error during shutdown: %s", strings.Join(errs, ", "))
	}

	i.receiver = nil
	i.dispatcher = nil
	i.groups = nil
	i.notifier = nil
	i.setState(StateInitialized)

	i.resetUpdates()
	return nil
}

// Deliver queues a raw envelope as retrieved from the swarm. The returned channel yields the
// outcome once the envelope has been fully processed.
func (i *Inbox) Deliver(ctx context.Context, raw []byte, messageHash string, expiresAtMs int64) (<-chan error, error) {
	if i.state != StateRunning {
		return nil, ErrNotRunning
	}
	return i.receiver.Deliver(ctx, raw, messageHash, expiresAtMs)
}

// DeliverEnvelope queues an envelope which has already been decoded, such as one from a
// community server.
func (i *Inbox) DeliverEnvelope(ctx context.Context, env *protocol.Envelope) (<-chan error, error) {
	if i.state != StateRunning {
		return nil, ErrNotRunning
	}
	return i.receiver.DeliverEnvelope(ctx, env)
}

// SetRecencyMark records when a config wrapper for domain was last applied.
func (i *Inbox) SetRecencyMark(domain recency.Domain, timestampMs int64) error {
	if i.state != StateRunning {
		return ErrNotRunning
	}
	if err := i.store.Run(fmt.Sprintf("setting recency mark for %s", domain), func() error {
		return i.store.SetRecencyMark(string(domain), timestampMs)
	}); err != nil {
		return err
	}
	i.marks.Set(domain, timestampMs)
	return nil
}

// Clear forgets cached key pairs and recency marks, as on logout.
func (i *Inbox) Clear() error {
	if i.state != StateRunning {
		return ErrNotRunning
	}
	if err := i.store.Run("clearing recency marks", func() error {
		return i.store.ClearRecencyMarks()
	}); err != nil {
		return err
	}
	i.cache.Clear()
	i.marks.Clear()
	return nil
}

// Block or unblock a conversation. Blocked senders and groups are dropped on arrival.
func (i *Inbox) SetBlocked(id string, blocked bool) error {
	return i.updateConversation(id, func(c *store.Conversation) {
		c.IsBlocked = blocked
	})
}

// Approve a conversation, accepting its message request.
func (i *Inbox) Approve(id string) error {
	return i.updateConversation(id, func(c *store.Conversation) {
		c.IsApproved = true
	})
}

func (i *Inbox) updateConversation(id string, f func(*store.Conversation)) error {
	if i.state != StateRunning {
		return ErrNotRunning
	}
	k, err := pubkey.Parse(id)
	if err != nil {
		return err
	}
	t := store.ConversationPrivate
	if k.IsGroupV2() {
		t = store.ConversationGroupV2
	}
	return i.store.Run(fmt.Sprintf("updating conversation %s", id), func() error {
		c, _, err := i.store.ConversationOrCreate(id, t)
		if err != nil {
			return err
		}
		f(c)
		return i.store.UpsertConversation(c)
	})
}

func (i *Inbox) Conversation(id string) (*store.Conversation, error) {
	if i.state != StateRunning {
		return nil, ErrNotRunning
	}
	var c *store.Conversation
	return c, i.store.RunReadOnly("get conversation", func() error {
		var err error
		c, err = i.store.Conversation(id)
		return err
	})
}

func (i *Inbox) Messages(conversationID string) ([]*store.Message, error) {
	if i.state != StateRunning {
		return nil, ErrNotRunning
	}
	var messages []*store.Message
	return messages, i.store.RunReadOnly("get messages", func() error {
		var err error
		messages, err = i.store.Messages(conversationID)
		return err
	})
}

// Group returns our view of a closed group's membership.
func (i *Inbox) Group(groupID pubkey.Key) (*groups.Membership, error) {
	if i.state != StateRunning {
		return nil, ErrNotRunning
	}
	return i.groups.Snapshot(groupID)
}

// Flush delivers any batched conversation changes immediately.
func (i *Inbox) Flush() {
	if i.notifier != nil {
		i.notifier.Flush()
	}
}

func (i *Inbox) setState(state int) {
	i.state = state
	i.updatesLock.RLock()
	defer i.updatesLock.RUnlock()
	i.updates <- &AppState{state}
}

type groupHooks struct {
	inbox *Inbox
}

func (h *groupHooks) GroupJoined(groupID pubkey.Key, name string) {
	h.inbox.emit(&GroupUpdate{ID: groupID, Event: GroupJoined, Name: name})
}

func (h *groupHooks) GroupKicked(groupID pubkey.Key) {
	h.inbox.emit(&GroupUpdate{ID: groupID, Event: GroupKicked})
}

func (h *groupHooks) GroupLeft(groupID pubkey.Key) {
	h.inbox.emit(&GroupUpdate{ID: groupID, Event: GroupLeft})
}

func (h *groupHooks) GroupDisbanded(groupID pubkey.Key) {
	h.inbox.emit(&GroupUpdate{ID: groupID, Event: GroupDisbanded})
}

func (h *groupHooks) DistributeKeyPair(groupID pubkey.Key, kp *crypto.KeyPair, recipients []pubkey.Key) error {
	h.inbox.emit(&KeyPairDistribution{GroupID: groupID, KeyPair: kp, Recipients: recipients})
	return nil
}

type unsendHooks struct {
	inbox *Inbox
}

func (h *unsendHooks) MessageUnsent(hash string) {
	h.inbox.emit(&MessageUnsent{MessageHash: hash})
}

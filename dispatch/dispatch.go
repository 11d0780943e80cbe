// Package dispatch decides what to do with an authenticated message. It applies the drop policy
// for blocked, superseded and hidden conversations, then routes each kind of content to the code
// that mutates conversation state. Every mutation runs as a job on the conversation's queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/jobs"
	"github.com/meow-io/go-inbox/metrics"
	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/recency"
	"github.com/meow-io/go-inbox/store"
	"go.uber.org/zap"
)

var (
	ErrPolicyDrop = errors.New("dispatch: dropped by policy")
	ErrDuplicate  = errors.New("dispatch: duplicate message")
	ErrMalformed  = errors.New("dispatch: malformed content")
)

// DropError is a policy drop carrying a short, fixed reason suitable as a metric label.
type DropError struct {
	Reason string
}

func (e *DropError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyDrop.Error(), e.Reason)
}

func (e *DropError) Unwrap() error {
	return ErrPolicyDrop
}

func drop(reason string) error {
	return &DropError{Reason: reason}
}

// ContactLookup reads the contacts config wrapper.
type ContactLookup interface {
	ContactPriority(pk pubkey.Key) (priority int64, ok bool)
}

// GroupInfo reads group v2 info wrappers.
type GroupInfo interface {
	DeleteBeforeSeconds(groupPk pubkey.Key) (seconds int64, ok bool)
}

type CallHandler interface {
	HandleCall(env *protocol.Envelope, call *protocol.Call) error
}

type GroupV2Handler interface {
	HandleGroupUpdate(env *protocol.Envelope, update *protocol.GroupUpdate) error
}

// GroupControlHandler applies a legacy closed group control message. It is called inside the
// conversation job's transaction.
type GroupControlHandler interface {
	Handle(env *protocol.Envelope, gc *protocol.GroupControl) error
}

type Classifier interface {
	Classify(envelopeTimestampMs int64, domain recency.Domain) recency.Decision
}

type Publisher interface {
	Publish(id string, patch notify.Patch)
}

type Hooks interface {
	MessageUnsent(messageHash string)
}

// Collaborators are implemented outside of this module. Any of them may be nil, in which case the
// content needing it is dropped.
type Collaborators struct {
	Contacts  ContactLookup
	GroupInfo GroupInfo
	Calls     CallHandler
	GroupsV2  GroupV2Handler
	Hooks     Hooks
}

type Dispatcher struct {
	log        *zap.SugaredLogger
	config     *config.Config
	store      *store.Store
	queues     *jobs.ConversationQueues
	duplicates *DuplicateFilter
	recency    Classifier
	groups     GroupControlHandler
	publisher  Publisher
	metrics    *metrics.Metrics
	us         pubkey.Key
	external   Collaborators
	typingLock sync.Mutex
	typing     map[string]bool
}

func NewDispatcher(c *config.Config, st *store.Store, queues *jobs.ConversationQueues, rec Classifier, groups GroupControlHandler, publisher Publisher, m *metrics.Metrics, us pubkey.Key, external Collaborators) *Dispatcher {
	return &Dispatcher{
		log:        c.Logger("dispatch"),
		config:     c,
		store:      st,
		queues:     queues,
		duplicates: NewDuplicateFilter(st),
		recency:    rec,
		groups:     groups,
		publisher:  publisher,
		metrics:    m,
		us:         us,
		external:   external,
		typing:     make(map[string]bool),
	}
}

// Dispatch applies the drop policy to an authenticated envelope and routes its content. The
// returned channel yields exactly one result: a policy decision made up front, or the outcome of
// the conversation job the content was queued on.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope, content *protocol.Content) <-chan error {
	if err := d.shouldDrop(env, content); err != nil {
		return settled(err)
	}

	switch v := content.Body.(type) {
	case *protocol.DataMessage:
		return d.handleDataMessage(ctx, env, content, v)
	case *protocol.GroupControl:
		return d.handleGroupControl(ctx, env, v)
	case *protocol.Receipt:
		return d.handleReceipt(ctx, env, v)
	case *protocol.Typing:
		return d.handleTyping(ctx, env, v)
	case *protocol.Call:
		return settled(d.handleCall(env, v))
	case *protocol.Unsend:
		return d.handleUnsend(ctx, env, v)
	case *protocol.MessageRequestResponse:
		return d.handleMessageRequestResponse(ctx, env, v)
	case *protocol.DataExtraction:
		return d.handleDataExtraction(ctx, env, v)
	case *protocol.Unknown:
		return settled(drop("unknown content"))
	default:
		return settled(fmt.Errorf("%w: unexpected content %T", ErrMalformed, v))
	}
}

// IsTyping reports the in memory typing state of a private conversation.
func (d *Dispatcher) IsTyping(conversationID string) bool {
	d.typingLock.Lock()
	defer d.typingLock.Unlock()
	return d.typing[conversationID]
}

func (d *Dispatcher) setTyping(conversationID string, typing bool) bool {
	d.typingLock.Lock()
	defer d.typingLock.Unlock()
	was := d.typing[conversationID]
	if typing {
		d.typing[conversationID] = true
	} else {
		delete(d.typing, conversationID)
	}
	return was != typing
}

func (d *Dispatcher) shouldDrop(env *protocol.Envelope, content *protocol.Content) error {
	if err := d.checkSigTimestamp(env, content); err != nil {
		return err
	}

	var err error
	if err := d.store.RunReadOnly("checking drop policy", func() error {
		if err = d.checkBlocked(env, content); err != nil {
			return nil
		}
		if err = d.checkDeleteBefore(env); err != nil {
			return nil
		}
		if !env.IsGroup() && !env.IsCommunity() {
			err = d.checkHiddenByWrapper(env, content)
		}
		return nil
	}); err != nil {
		return err
	}
	return err
}

func (d *Dispatcher) checkSigTimestamp(env *protocol.Envelope, content *protocol.Content) error {
	sig := int64(content.SigTimestampMs)
	if sig == 0 {
		return nil
	}
	if env.IsCommunity() {
		skew := sig - int64(env.ServerTimestampMs)
		if skew < 0 {
			skew = -skew
		}
		if skew > d.config.CommunityClockSkew.Milliseconds() {
			return drop("signature timestamp skew")
		}
		return nil
	}
	if sig != int64(env.TimestampMs) {
		return drop("signature timestamp mismatch")
	}
	return nil
}

func (d *Dispatcher) checkBlocked(env *protocol.Envelope, content *protocol.Content) error {
	blocked, err := d.store.IsBlocked(env.Author().String())
	if err != nil {
		return err
	}
	if !blocked {
		return nil
	}
	switch v := content.Body.(type) {
	case *protocol.GroupControl:
		// a blocked member still moves a group we have not blocked
		if env.IsGroup() {
			groupBlocked, err := d.store.IsBlocked(env.Source)
			if err != nil {
				return err
			}
			if groupBlocked {
				return drop("blocked group")
			}
			return nil
		}
	case *protocol.DataMessage:
		if !env.IsGroup() && v.GroupUpdate != nil && v.GroupUpdate.Promote != nil {
			return nil
		}
	}
	return drop("blocked sender")
}

func (d *Dispatcher) checkDeleteBefore(env *protocol.Envelope) error {
	source := pubkey.Key(env.Source)
	if !source.IsGroupV2() || d.external.GroupInfo == nil {
		return nil
	}
	seconds, ok := d.external.GroupInfo.DeleteBeforeSeconds(source)
	if ok && seconds > 0 && int64(env.TimestampMs) <= seconds*1000 {
		return drop("before group delete watermark")
	}
	return nil
}

// checkHiddenByWrapper drops private messages which would bring back a conversation that a more
// recently merged config wrapper says is hidden or removed.
func (d *Dispatcher) checkHiddenByWrapper(env *protocol.Envelope, content *protocol.Content) error {
	fromUs := env.Author() == d.us
	domain := recency.ContactsConfig
	if fromUs {
		domain = recency.UserConfig
	}
	if d.recency.Classify(int64(env.TimestampMs), domain) == recency.ApplyFully {
		return nil
	}

	if fromUs {
		c, err := d.store.Conversation(d.us.String())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if c.Priority <= store.PriorityHidden {
			return drop("note to self hidden by wrapper")
		}
		return nil
	}

	target := env.Author()
	if !target.IsStandard() {
		return nil
	}
	if d.external.Contacts == nil {
		return nil
	}
	priority, ok := d.external.Contacts.ContactPriority(target)
	if !ok || priority <= store.PriorityHidden {
		return drop("contact hidden by wrapper")
	}
	return nil
}

// conversationFor picks the conversation a message belongs to. Messages we sent from another
// device name their conversation with a sync target.
func (d *Dispatcher) conversationFor(env *protocol.Envelope, syncTarget string) (string, store.ConversationType) {
	switch {
	case env.IsCommunity():
		return env.Source, store.ConversationCommunity
	case env.IsGroup() && pubkey.Key(env.Source).IsGroupV2():
		return env.Source, store.ConversationGroupV2
	case env.IsGroup():
		return env.Source, store.ConversationLegacyGroup
	case syncTarget != "" && env.Author() == d.us:
		return syncTarget, store.ConversationPrivate
	default:
		return env.Author().String(), store.ConversationPrivate
	}
}

func (d *Dispatcher) hasLegacyPrefix(id string) bool {
	return strings.HasPrefix(id, pubkey.LegacyGroupPrefix)
}

func (d *Dispatcher) committed(content string) {
	if d.metrics != nil {
		d.metrics.MessagesCommitted.WithLabelValues(content).Inc()
	}
}

// publish hands patches to the publisher once the job's transaction has committed.
func (d *Dispatcher) publish(patches map[string]notify.Patch) {
	if d.publisher == nil {
		return
	}
	for id, p := range patches {
		d.publisher.Publish(id, p)
	}
}

// runInConversation queues fn on id and runs it in a transaction. The patches fn collects are
// published only when the transaction commits.
func (d *Dispatcher) runInConversation(ctx context.Context, id, label, content string, fn func(patches map[string]notify.Patch) error) <-chan error {
	return d.queues.Enqueue(ctx, id, label, func(ctx context.Context) error {
		patches := make(map[string]notify.Patch)
		if err := d.store.Run(label, func() error {
			return fn(patches)
		}); err != nil {
			return err
		}
		d.committed(content)
		d.publish(patches)
		return nil
	})
}

func settled(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func patchFor(patches map[string]notify.Patch, id string) notify.Patch {
	p, ok := patches[id]
	if !ok {
		p = make(notify.Patch)
		patches[id] = p
	}
	return p
}

package groups

import (
	"bytes"
	"fmt"

	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/recency"
	"github.com/meow-io/go-inbox/store"
	"golang.org/x/exp/slices"
)

// Handle applies gc. It must run inside a transaction on the group conversation's queue.
func (m *Machine) Handle(env *protocol.Envelope, gc *protocol.GroupControl) error {
	if pubkey.Key(env.Source).IsGroupV2() {
		return fmt.Errorf("%w: legacy control message from a v2 group %s", ErrIgnored, env.Source)
	}
	m.log.Debugf("handling %s from %s about %s", gc.Type, env.Author(), env.Source)

	switch gc.Type {
	case protocol.GroupControlNew:
		return m.handleNew(env, gc)
	case protocol.GroupControlEncryptionKeyPair:
		return m.handleEncryptionKeyPair(env, gc)
	case protocol.GroupControlNameChange,
		protocol.GroupControlMembersAdded,
		protocol.GroupControlMembersRemoved,
		protocol.GroupControlMemberLeft,
		protocol.GroupControlEncryptionKeyPairRequest:
		return m.performIfValid(env, gc)
	default:
		return fmt.Errorf("%w: unknown control type %s", ErrMalformedPayload, gc.Type)
	}
}

func sanityCheckNew(gc *protocol.GroupControl) (pubkey.Key, []pubkey.Key, []pubkey.Key, error) {
	if gc.Name == "" {
		return "", nil, nil, fmt.Errorf("%w: name is empty", ErrMalformedPayload)
	}
	if len(gc.PublicKey) == 0 {
		return "", nil, nil, fmt.Errorf("%w: public key is empty", ErrMalformedPayload)
	}
	groupID, err := pubkey.FromBytes(gc.PublicKey)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if groupID.IsGroupV2() {
		return "", nil, nil, fmt.Errorf("%w: v2 group id %s in a legacy control message", ErrMalformedPayload, groupID)
	}
	if len(gc.Members) == 0 {
		return "", nil, nil, fmt.Errorf("%w: members is empty", ErrMalformedPayload)
	}
	if len(gc.Admins) == 0 {
		return "", nil, nil, fmt.Errorf("%w: admins is empty", ErrMalformedPayload)
	}
	members, err := parseKeys(gc.Members)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: member: %v", ErrMalformedPayload, err)
	}
	admins, err := parseKeys(gc.Admins)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: admin: %v", ErrMalformedPayload, err)
	}
	kp := gc.EncryptionKeyPair
	if kp == nil || len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return "", nil, nil, fmt.Errorf("%w: key pair is incomplete", ErrMalformedPayload)
	}
	return groupID, members, admins, nil
}

func (m *Machine) handleNew(env *protocol.Envelope, gc *protocol.GroupControl) error {
	if m.config.LegacyGroupsReadOnly {
		return fmt.Errorf("%w: legacy groups are read only", ErrIgnored)
	}
	groupID, members, admins, err := sanityCheckNew(gc)
	if err != nil {
		return err
	}
	sender := env.Author()
	if sender == m.ourKey() {
		return fmt.Errorf("%w: new group %s from our other device", ErrIgnored, groupID)
	}
	approved, err := m.store.IsApproved(sender.String())
	if err != nil {
		return err
	}
	if !approved {
		return fmt.Errorf("%w: new group %s from unapproved sender %s", ErrIgnored, groupID, sender)
	}
	ts := int64(env.TimestampMs)
	if m.recency.Classify(ts, recency.UserGroupsConfig) == recency.ApplyMessageOnly {
		return fmt.Errorf("%w: invite to %s predates our groups config", ErrIgnored, groupID)
	}
	if !slices.Contains(members, m.ourKey()) {
		return fmt.Errorf("%w: we are not a member of new group %s", ErrIgnored, groupID)
	}

	kp := &crypto.KeyPair{PublicKey: gc.EncryptionKeyPair.PublicKey, PrivateKey: gc.EncryptionKeyPair.PrivateKey}
	if !kp.Valid() {
		return fmt.Errorf("%w: key pair has the wrong size", ErrMalformedPayload)
	}
	ms, err := m.membership(groupID)
	if err != nil {
		return err
	}
	if ms != nil && ms.State != StateActive && ts <= ms.LastJoinedMs {
		return fmt.Errorf("%w: invite to %s at %d predates leaving it at %d", ErrStale, groupID, ts, ms.LastJoinedMs)
	}
	conv, _, err := m.store.ConversationOrCreate(groupID.String(), store.ConversationLegacyGroup)
	if err != nil {
		return err
	}

	if ms != nil && ms.State == StateActive {
		if _, err := m.addKeyPair(groupID, kp); err != nil {
			return err
		}
		conv.ExpireTimerSec = gc.ExpirationTimer
		return m.store.UpsertConversation(conv)
	}

	if ms == nil {
		ms = &Membership{GroupID: groupID}
	}
	ms.State = StateActive
	ms.Members = members
	ms.Admins = admins
	ms.Zombies = nil
	ms.LastJoinedMs = maxInt64(ms.LastJoinedMs, ts)
	if err := m.saveMembership(ms); err != nil {
		return err
	}

	conv.Name = gc.Name
	conv.IsApproved = true
	conv.ActiveAtMs = ts
	if conv.Hidden() {
		conv.Priority = 0
	}
	if err := m.store.UpsertConversation(conv); err != nil {
		return err
	}
	if _, err := m.addKeyPair(groupID, kp); err != nil {
		return err
	}
	m.log.Infof("joined group %s", groupID)
	name := gc.Name
	m.store.AfterCommit(func() {
		m.hooks.GroupJoined(groupID, name)
	})
	return nil
}

func (m *Machine) handleEncryptionKeyPair(env *protocol.Envelope, gc *protocol.GroupControl) error {
	var groupID pubkey.Key
	var err error
	if len(gc.PublicKey) != 0 {
		groupID, err = pubkey.FromBytes(gc.PublicKey)
	} else {
		groupID, err = pubkey.Parse(env.Source)
	}
	if err != nil {
		return fmt.Errorf("%w: group id: %v", ErrMalformedPayload, err)
	}

	ms, err := m.membership(groupID)
	if err != nil {
		return err
	}
	if ms == nil {
		return fmt.Errorf("%w: key pair for unknown group %s", ErrRejected, groupID)
	}
	if ms.State == StateDisbanded {
		return fmt.Errorf("%w: key pair for disbanded group %s", ErrRejected, groupID)
	}
	sender := env.Author()
	if !ms.IsAdmin(sender) {
		return fmt.Errorf("%w: key pair for %s from non-admin %s", ErrRejected, groupID, sender)
	}

	ours := m.ourKey().Bytes()
	var wrapper *protocol.KeyPairWrapper
	for _, w := range gc.Wrappers {
		if bytes.Equal(w.PublicKey, ours) {
			wrapper = w
			break
		}
	}
	if wrapper == nil {
		return fmt.Errorf("%w: no wrapper for us in key pair for %s", ErrIgnored, groupID)
	}

	d, err := crypto.Decrypt(wrapper.EncryptedKeyPair, m.identity.X25519, false)
	if err != nil {
		return fmt.Errorf("groups: error decrypting key pair for %s: %w", groupID, err)
	}
	msg, err := protocol.DecodeKeyPair(d.Plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	kp := &crypto.KeyPair{PublicKey: msg.PublicKey, PrivateKey: msg.PrivateKey}
	if !kp.Valid() {
		return fmt.Errorf("%w: key pair has the wrong size", ErrMalformedPayload)
	}
	added, err := m.addKeyPair(groupID, kp)
	if err != nil {
		return err
	}
	if !added {
		m.log.Debugf("key pair for %s already known", groupID)
	} else {
		m.log.Infof("stored new key pair for %s", groupID)
	}
	return nil
}

func (m *Machine) addKeyPair(groupID pubkey.Key, kp *crypto.KeyPair) (bool, error) {
	added, err := m.cache.addTx(groupID, kp)
	if err != nil {
		return false, err
	}
	if added {
		m.store.AfterCommit(func() {
			m.keyPairAdded(groupID)
		})
	}
	return added, nil
}

func (m *Machine) performIfValid(env *protocol.Envelope, gc *protocol.GroupControl) error {
	groupID, err := pubkey.Parse(env.Source)
	if err != nil {
		return fmt.Errorf("%w: group id: %v", ErrMalformedPayload, err)
	}
	ms, err := m.membership(groupID)
	if err != nil {
		return err
	}
	if ms == nil {
		return fmt.Errorf("%w: %s for unknown group %s", ErrRejected, gc.Type, groupID)
	}
	switch ms.State {
	case StateDisbanded:
		return fmt.Errorf("%w: %s for disbanded group %s", ErrRejected, gc.Type, groupID)
	case StateKicked, StateLeft:
		return fmt.Errorf("%w: %s for %s group %s", ErrIgnored, gc.Type, ms.State, groupID)
	}

	if ms.LastJoinedMs == 0 {
		ms.LastJoinedMs = m.store.NowMs() - yearMs
		if err := m.saveMembership(ms); err != nil {
			return err
		}
	}
	ts := int64(env.TimestampMs)
	if ts <= ms.LastJoinedMs {
		return fmt.Errorf("%w: %s at %d is not after we joined %s at %d", ErrStale, gc.Type, ts, groupID, ms.LastJoinedMs)
	}
	sender := env.Author()
	if !ms.IsMember(sender) {
		return fmt.Errorf("%w: %s for %s from non-member %s", ErrRejected, gc.Type, groupID, sender)
	}
	if err := m.ensurePrivateConversations(sender); err != nil {
		return err
	}
	u := &update{
		env:      env,
		control:  gc,
		group:    ms.clone(),
		sender:   sender,
		ts:       ts,
		decision: m.recency.Classify(ts, recency.UserGroupsConfig),
	}

	switch gc.Type {
	case protocol.GroupControlNameChange:
		return m.handleNameChange(u)
	case protocol.GroupControlMembersAdded:
		return m.handleMembersAdded(u)
	case protocol.GroupControlMembersRemoved:
		return m.handleMembersRemoved(u)
	case protocol.GroupControlMemberLeft:
		return m.handleMemberLeft(u)
	default:
		return fmt.Errorf("%w: %s", ErrIgnored, gc.Type)
	}
}

type update struct {
	env      *protocol.Envelope
	control  *protocol.GroupControl
	group    *Membership
	sender   pubkey.Key
	ts       int64
	decision recency.Decision
}

func (u *update) applyFully() bool {
	return u.decision == recency.ApplyFully
}

func (m *Machine) handleNameChange(u *update) error {
	conv, err := m.groupConversation(u.group.GroupID)
	if err != nil {
		return err
	}
	if u.control.Name == conv.Name {
		return nil
	}
	if err := m.recordUpdate(u, store.GroupUpdateName, u.control.Name, nil); err != nil {
		return err
	}
	if u.applyFully() {
		conv.Name = u.control.Name
	}
	conv.ActiveAtMs = maxInt64(conv.ActiveAtMs, u.ts)
	return m.store.UpsertConversation(conv)
}

func (m *Machine) handleMembersAdded(u *update) error {
	added, err := parseKeys(u.control.Members)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ms := u.group
	var fresh []pubkey.Key
	for _, k := range added {
		if !ms.IsMember(k) && k.IsStandard() {
			fresh = append(fresh, k)
		}
	}
	if u.applyFully() {
		ms.Zombies = without(ms.Zombies, added)
	}
	if len(fresh) == 0 {
		m.log.Debugf("no new members for %s", ms.GroupID)
		if u.applyFully() {
			return m.saveMembership(ms)
		}
		return nil
	}

	if ms.IsAdmin(m.ourKey()) {
		groupID := ms.GroupID
		recipients := slices.Clone(fresh)
		m.store.AfterCommit(func() {
			m.distributeLatest(groupID, recipients)
		})
	}
	if err := m.ensurePrivateConversations(fresh...); err != nil {
		return err
	}
	if err := m.recordUpdate(u, store.GroupUpdateAdded, "", fresh); err != nil {
		return err
	}
	if u.applyFully() {
		ms.Members = append(ms.Members, fresh...)
	}
	return m.saveMembership(ms)
}

func (m *Machine) distributeLatest(groupID pubkey.Key, recipients []pubkey.Key) {
	latest, err := m.cache.Latest(groupID)
	if err != nil {
		m.log.Warnf("error loading key pair for %s: %v", groupID, err)
		return
	}
	if latest == nil {
		m.log.Infof("no key pair to send for %s", groupID)
		return
	}
	if err := m.distributor.DistributeKeyPair(groupID, latest, recipients); err != nil {
		m.log.Warnf("error distributing key pair for %s: %v", groupID, err)
	}
}

func (m *Machine) handleMembersRemoved(u *update) error {
	removed, err := parseKeys(u.control.Members)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ms := u.group
	first, ok := ms.FirstAdmin()
	if !ok {
		return fmt.Errorf("%w: no admins for %s", ErrRejected, ms.GroupID)
	}
	if slices.Contains(removed, first) {
		return fmt.Errorf("%w: admins cannot be removed from %s", ErrRejected, ms.GroupID)
	}
	if !ms.IsAdmin(u.sender) {
		return fmt.Errorf("%w: only admins can remove members of %s", ErrRejected, ms.GroupID)
	}

	after := without(ms.Members, removed)
	if !slices.Contains(after, m.ourKey()) {
		if err := m.recordUpdate(u, store.GroupUpdateKicked, "", []pubkey.Key{m.ourKey()}); err != nil {
			return err
		}
		if !u.applyFully() {
			return nil
		}
		ms.State = StateKicked
		ms.Members = after
		ms.Zombies = without(ms.Zombies, removed)
		ms.LastJoinedMs = maxInt64(ms.LastJoinedMs, u.ts)
		if err := m.saveMembership(ms); err != nil {
			return err
		}
		if err := m.cache.removeTx(ms.GroupID); err != nil {
			return err
		}
		m.log.Infof("kicked from group %s", ms.GroupID)
		groupID := ms.GroupID
		m.store.AfterCommit(func() {
			m.hooks.GroupKicked(groupID)
		})
		return nil
	}

	if len(after) != len(ms.Members) {
		var effective []pubkey.Key
		for _, k := range removed {
			if ms.IsMember(k) && k.IsStandard() {
				effective = append(effective, k)
			}
		}
		if err := m.recordUpdate(u, store.GroupUpdateKicked, "", effective); err != nil {
			return err
		}
	}
	if !u.applyFully() {
		return nil
	}
	ms.Members = after
	ms.Zombies = without(ms.Zombies, removed)
	return m.saveMembership(ms)
}

func (m *Machine) handleMemberLeft(u *update) error {
	ms := u.group
	if !u.sender.IsStandard() {
		return fmt.Errorf("%w: member left from %s", ErrMalformedPayload, u.sender)
	}
	if err := m.recordUpdate(u, store.GroupUpdateLeft, "", []pubkey.Key{u.sender}); err != nil {
		return err
	}
	remaining := without(ms.Members, []pubkey.Key{u.sender})

	if ms.IsAdmin(u.sender) {
		ms.State = StateDisbanded
		return m.tearDown(ms, u.ts, func(groupID pubkey.Key) { m.hooks.GroupDisbanded(groupID) })
	}
	if u.sender == m.ourKey() || !slices.Contains(remaining, m.ourKey()) {
		ms.State = StateLeft
		ms.Members = remaining
		return m.tearDown(ms, u.ts, func(groupID pubkey.Key) { m.hooks.GroupLeft(groupID) })
	}

	if !u.applyFully() {
		return nil
	}
	if !ms.IsZombie(u.sender) {
		ms.Zombies = append(ms.Zombies, u.sender)
	}
	ms.Members = remaining
	return m.saveMembership(ms)
}

func (m *Machine) tearDown(ms *Membership, ts int64, hook func(pubkey.Key)) error {
	ms.LastJoinedMs = maxInt64(ms.LastJoinedMs, ts)
	if err := m.saveMembership(ms); err != nil {
		return err
	}
	if err := m.cache.removeTx(ms.GroupID); err != nil {
		return err
	}
	m.log.Infof("group %s is now %s", ms.GroupID, ms.State)
	groupID := ms.GroupID
	m.store.AfterCommit(func() {
		hook(groupID)
	})
	return nil
}

func (m *Machine) groupConversation(groupID pubkey.Key) (*store.Conversation, error) {
	conv, created, err := m.store.ConversationOrCreate(groupID.String(), store.ConversationLegacyGroup)
	if err != nil {
		return nil, err
	}
	if created {
		if err := m.store.UpsertConversation(conv); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func (m *Machine) ensurePrivateConversations(keys ...pubkey.Key) error {
	for _, k := range keys {
		conv, created, err := m.store.ConversationOrCreate(k.String(), store.ConversationPrivate)
		if err != nil {
			return err
		}
		if created {
			if err := m.store.UpsertConversation(conv); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordUpdate adds the timeline entry for a control message. Entries are kept whatever the
// recency decision was.
func (m *Machine) recordUpdate(u *update, kind store.GroupUpdateKind, name string, members []pubkey.Key) error {
	conv, err := m.groupConversation(u.group.GroupID)
	if err != nil {
		return err
	}
	direction := store.DirectionIncoming
	if u.sender == m.ourKey() {
		direction = store.DirectionOutgoing
	}
	msg := &store.Message{
		ConversationID:  conv.ID,
		Source:          u.sender.String(),
		SentAtMs:        u.ts,
		MessageHash:     u.env.MessageHash,
		Direction:       direction,
		Kind:            store.KindGroupUpdate,
		GroupUpdateKind: kind,
		GroupUpdateName: name,
		ExpireTimerSec:  u.control.ExpirationTimer,
	}
	names := make([]string, 0, len(members))
	for _, k := range members {
		names = append(names, k.String())
	}
	msg.SetMembers(names)
	return m.store.SaveMessage(msg)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

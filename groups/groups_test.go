package groups

import (
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/internal/test"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/recency"
	"github.com/meow-io/go-inbox/store"
	"github.com/stretchr/testify/require"
)

const baseMs = int64(1_700_000_000_000)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type distribution struct {
	groupID    pubkey.Key
	kp         *crypto.KeyPair
	recipients []pubkey.Key
}

type recorder struct {
	events       chan string
	distributed  chan *distribution
	keyPairAdded chan pubkey.Key
}

func newRecorder() *recorder {
	return &recorder{
		events:       make(chan string, 16),
		distributed:  make(chan *distribution, 16),
		keyPairAdded: make(chan pubkey.Key, 16),
	}
}

func (r *recorder) GroupJoined(groupID pubkey.Key, name string) { r.events <- "joined:" + name }
func (r *recorder) GroupKicked(groupID pubkey.Key)              { r.events <- "kicked" }
func (r *recorder) GroupLeft(groupID pubkey.Key)                { r.events <- "left" }
func (r *recorder) GroupDisbanded(groupID pubkey.Key)           { r.events <- "disbanded" }

func (r *recorder) DistributeKeyPair(groupID pubkey.Key, kp *crypto.KeyPair, recipients []pubkey.Key) error {
	r.distributed <- &distribution{groupID: groupID, kp: kp, recipients: recipients}
	return nil
}

func receive[T any](t *testing.T, ch chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

type fixture struct {
	machine  *Machine
	store    *store.Store
	cache    *KeyPairCache
	marks    *recency.Marks
	rec      *recorder
	us       *crypto.Identity
	admin    *crypto.Identity
	bob      *crypto.Identity
	groupID  pubkey.Key
	groupKey *crypto.KeyPair
}

func newIdentity(t *testing.T) *crypto.Identity {
	id, err := crypto.NewIdentity()
	require.Nil(t, err)
	return id
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	require := require.New(t)
	c := config.NewConfig(append([]config.Option{config.WithLoggingPrefix(t.Name())}, opts...)...)
	d := test.NewTestDatabaseWithClock(c, clock.NewManualClock(time.UnixMilli(baseMs+60_000)))
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	st, err := store.New(c, d)
	require.Nil(err)

	f := &fixture{
		store: st,
		cache: NewKeyPairCache(st),
		marks: recency.NewMarks(),
		rec:   newRecorder(),
		us:    newIdentity(t),
		admin: newIdentity(t),
		bob:   newIdentity(t),
	}
	gk, err := crypto.NewKeyPair()
	require.Nil(err)
	f.groupKey = gk
	groupIdentity, err := crypto.NewKeyPair()
	require.Nil(err)
	f.groupID = pubkey.FromX25519(groupIdentity.PublicKey)

	f.machine, err = NewMachine(c, st, f.cache, recency.NewReconciler(c, f.marks), f.us, f.rec, f.rec)
	require.Nil(err)
	f.machine.OnKeyPairAdded(func(groupID pubkey.Key) {
		f.rec.keyPairAdded <- groupID
	})

	require.Nil(st.Run("approve admin", func() error {
		return st.UpsertConversation(&store.Conversation{ID: f.admin.SessionID().String(), Type: store.ConversationPrivate, IsApproved: true})
	}))
	return f
}

func keys(ids ...*crypto.Identity) [][]byte {
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.SessionID().Bytes())
	}
	return out
}

func (f *fixture) handle(env *protocol.Envelope, gc *protocol.GroupControl) error {
	return f.store.Run("handle control", func() error {
		return f.machine.Handle(env, gc)
	})
}

func (f *fixture) newGroup(admins ...*crypto.Identity) *protocol.GroupControl {
	return &protocol.GroupControl{
		Type:              protocol.GroupControlNew,
		PublicKey:         f.groupID.Bytes(),
		Name:              "friends",
		EncryptionKeyPair: &protocol.KeyPairMessage{PublicKey: f.groupKey.PublicKey, PrivateKey: f.groupKey.PrivateKey},
		Members:           keys(f.admin, f.us, f.bob),
		Admins:            keys(admins...),
	}
}

func (f *fixture) join(t *testing.T, admins ...*crypto.Identity) {
	require := require.New(t)
	if len(admins) == 0 {
		admins = []*crypto.Identity{f.admin}
	}
	env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.admin.SessionID().String(), TimestampMs: uint64(baseMs)}
	require.Nil(f.handle(env, f.newGroup(admins...)))
	require.Equal("joined:friends", receive(t, f.rec.events))
	require.Equal(f.groupID, receive(t, f.rec.keyPairAdded))
}

func (f *fixture) groupEnv(sender *crypto.Identity, ts int64) *protocol.Envelope {
	return &protocol.Envelope{
		Type:           protocol.EnvelopeClosedGroupMessage,
		Source:         f.groupID.String(),
		SenderIdentity: sender.SessionID(),
		TimestampMs:    uint64(ts),
	}
}

func (f *fixture) snapshot(t *testing.T) *Membership {
	ms, err := f.machine.Snapshot(f.groupID)
	require.Nil(t, err)
	return ms
}

func TestNewGroupJoins(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	ms := f.snapshot(t)
	require.Equal(StateActive, ms.State)
	require.Equal([]pubkey.Key{f.admin.SessionID(), f.us.SessionID(), f.bob.SessionID()}, ms.Members)
	require.Equal([]pubkey.Key{f.admin.SessionID()}, ms.Admins)
	require.Equal(baseMs, ms.LastJoinedMs)

	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 1)
	require.True(pairs[0].Equal(f.groupKey))

	require.Nil(f.store.RunReadOnly("check conversation", func() error {
		conv, err := f.store.Conversation(f.groupID.String())
		require.Nil(err)
		require.Equal("friends", conv.Name)
		require.Equal(store.ConversationLegacyGroup, conv.Type)
		return nil
	}))
}

func TestNewGroupMissingAdminsIsMalformed(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	gc := f.newGroup()
	env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.admin.SessionID().String(), TimestampMs: uint64(baseMs)}
	require.ErrorIs(f.handle(env, gc), ErrMalformedPayload)
	require.Nil(f.snapshot(t))

	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)
}

func TestNewGroupDrops(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	stranger := newIdentity(t)
	env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: stranger.SessionID().String(), TimestampMs: uint64(baseMs)}
	require.ErrorIs(f.handle(env, f.newGroup(f.admin)), ErrIgnored)

	gc := f.newGroup(f.admin)
	gc.Members = keys(f.admin, f.bob)
	env.Source = f.admin.SessionID().String()
	require.ErrorIs(f.handle(env, gc), ErrIgnored)

	f.marks.Set(recency.UserGroupsConfig, baseMs+10*60_000)
	require.ErrorIs(f.handle(env, f.newGroup(f.admin)), ErrIgnored)
	require.Nil(f.snapshot(t))

	ro := newFixture(t, config.WithLegacyGroupsReadOnly(true))
	env.Source = ro.admin.SessionID().String()
	require.ErrorIs(ro.handle(env, ro.newGroup(ro.admin)), ErrIgnored)
}

func TestFoundingAdminCannotBeRemoved(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	remove := &protocol.GroupControl{Type: protocol.GroupControlMembersRemoved, Members: keys(f.admin)}
	require.ErrorIs(f.handle(f.groupEnv(f.admin, baseMs+1000), remove), ErrRejected)

	remove = &protocol.GroupControl{Type: protocol.GroupControlMembersRemoved, Members: keys(f.us)}
	require.ErrorIs(f.handle(f.groupEnv(f.bob, baseMs+1000), remove), ErrRejected)

	ms := f.snapshot(t)
	require.Len(ms.Members, 3)
	require.Equal(StateActive, ms.State)
}

func TestStaleAndNonMemberControlMessages(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	rename := &protocol.GroupControl{Type: protocol.GroupControlNameChange, Name: "old news"}
	require.ErrorIs(f.handle(f.groupEnv(f.admin, baseMs), rename), ErrStale)
	require.ErrorIs(f.handle(f.groupEnv(newIdentity(t), baseMs+1000), rename), ErrRejected)
}

func TestAdminLeaveDisbands(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	require.Nil(f.handle(f.groupEnv(f.admin, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlMemberLeft}))
	require.Equal("disbanded", receive(t, f.rec.events))

	ms := f.snapshot(t)
	require.Equal(StateDisbanded, ms.State)
	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)

	rename := &protocol.GroupControl{Type: protocol.GroupControlNameChange, Name: "after"}
	require.ErrorIs(f.handle(f.groupEnv(f.bob, baseMs+2000), rename), ErrRejected)
}

func TestAdminLeaveIgnoresRecency(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)
	f.marks.Set(recency.UserGroupsConfig, baseMs+10*60_000)

	require.Nil(f.handle(f.groupEnv(f.admin, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlMemberLeft}))
	require.Equal("disbanded", receive(t, f.rec.events))
	require.Equal(StateDisbanded, f.snapshot(t).State)
}

func TestWrapperRecencyGatesMembership(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	mark := baseMs + 10*60_000
	f.marks.Set(recency.UserGroupsConfig, mark)
	carol := newIdentity(t)
	dave := newIdentity(t)

	add := &protocol.GroupControl{Type: protocol.GroupControlMembersAdded, Members: keys(carol)}
	require.Nil(f.handle(f.groupEnv(f.bob, mark-3*60_000), add))
	require.False(f.snapshot(t).IsMember(carol.SessionID()))

	add = &protocol.GroupControl{Type: protocol.GroupControlMembersAdded, Members: keys(dave)}
	require.Nil(f.handle(f.groupEnv(f.bob, mark+60_000), add))
	require.True(f.snapshot(t).IsMember(dave.SessionID()))

	require.Nil(f.store.RunReadOnly("history", func() error {
		messages, err := f.store.Messages(f.groupID.String())
		require.Nil(err)
		require.Len(messages, 2)
		require.Equal(store.GroupUpdateAdded, messages[0].GroupUpdateKind)
		require.Equal([]string{carol.SessionID().String()}, messages[0].Members())
		require.Equal([]string{dave.SessionID().String()}, messages[1].Members())
		return nil
	}))
}

func TestNameChange(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	require.Nil(f.handle(f.groupEnv(f.bob, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlNameChange, Name: "friends"}))
	require.Nil(f.handle(f.groupEnv(f.bob, baseMs+2000), &protocol.GroupControl{Type: protocol.GroupControlNameChange, Name: "besties"}))

	require.Nil(f.store.RunReadOnly("name", func() error {
		conv, err := f.store.Conversation(f.groupID.String())
		require.Nil(err)
		require.Equal("besties", conv.Name)
		messages, err := f.store.Messages(f.groupID.String())
		require.Nil(err)
		require.Len(messages, 1)
		require.Equal("besties", messages[0].GroupUpdateName)
		return nil
	}))
}

func TestMemberLeftBecomesZombieUntilReadded(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	require.Nil(f.handle(f.groupEnv(f.bob, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlMemberLeft}))
	ms := f.snapshot(t)
	require.False(ms.IsMember(f.bob.SessionID()))
	require.True(ms.IsZombie(f.bob.SessionID()))

	add := &protocol.GroupControl{Type: protocol.GroupControlMembersAdded, Members: keys(f.bob)}
	require.Nil(f.handle(f.groupEnv(f.admin, baseMs+2000), add))
	ms = f.snapshot(t)
	require.True(ms.IsMember(f.bob.SessionID()))
	require.False(ms.IsZombie(f.bob.SessionID()))
}

func TestKickedThenReinvited(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	remove := &protocol.GroupControl{Type: protocol.GroupControlMembersRemoved, Members: keys(f.us)}
	require.Nil(f.handle(f.groupEnv(f.admin, baseMs+1000), remove))
	require.Equal("kicked", receive(t, f.rec.events))
	require.Equal(StateKicked, f.snapshot(t).State)
	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)

	rename := &protocol.GroupControl{Type: protocol.GroupControlNameChange, Name: "without you"}
	require.ErrorIs(f.handle(f.groupEnv(f.admin, baseMs+2000), rename), ErrIgnored)

	env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.admin.SessionID().String(), TimestampMs: uint64(baseMs + 3000)}
	require.Nil(f.handle(env, f.newGroup(f.admin)))
	require.Equal("joined:friends", receive(t, f.rec.events))
	ms := f.snapshot(t)
	require.Equal(StateActive, ms.State)
	require.Equal(baseMs+3000, ms.LastJoinedMs)
}

func TestEncryptionKeyPairIsIdempotent(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	next, err := crypto.NewKeyPair()
	require.Nil(err)
	payload := (&protocol.KeyPairMessage{PublicKey: next.PublicKey, PrivateKey: next.PrivateKey}).Marshal()
	sealed, err := crypto.Encrypt(payload, f.admin.Signing, f.us.X25519.PublicKey, false)
	require.Nil(err)
	gc := &protocol.GroupControl{
		Type:      protocol.GroupControlEncryptionKeyPair,
		PublicKey: f.groupID.Bytes(),
		Wrappers: []*protocol.KeyPairWrapper{
			{PublicKey: f.bob.SessionID().Bytes(), EncryptedKeyPair: []byte("not for us")},
			{PublicKey: f.us.SessionID().Bytes(), EncryptedKeyPair: sealed},
		},
	}
	env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.admin.SessionID().String(), TimestampMs: uint64(baseMs + 1000)}

	require.ErrorIs(f.handle(&protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.bob.SessionID().String(), TimestampMs: uint64(baseMs + 1000)}, gc), ErrRejected)

	require.Nil(f.handle(env, gc))
	require.Equal(f.groupID, receive(t, f.rec.keyPairAdded))
	require.Nil(f.handle(env, gc))

	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 2)
	require.True(pairs[1].Equal(next))
	latest, err := f.cache.Latest(f.groupID)
	require.Nil(err)
	require.True(latest.Equal(next))

	select {
	case <-f.rec.keyPairAdded:
		t.Fatal("known key pair reported as new")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdminDistributesKeyPairToNewMembers(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t, f.admin, f.us)

	carol := newIdentity(t)
	add := &protocol.GroupControl{Type: protocol.GroupControlMembersAdded, Members: keys(carol, f.bob)}
	require.Nil(f.handle(f.groupEnv(f.bob, baseMs+1000), add))

	d := receive(t, f.rec.distributed)
	require.Equal(f.groupID, d.groupID)
	require.True(d.kp.Equal(f.groupKey))
	require.Equal([]pubkey.Key{carol.SessionID()}, d.recipients)
}

func TestReplayedInviteAfterKickIsStale(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	remove := &protocol.GroupControl{Type: protocol.GroupControlMembersRemoved, Members: keys(f.us)}
	require.Nil(f.handle(f.groupEnv(f.admin, baseMs+1000), remove))
	require.Equal("kicked", receive(t, f.rec.events))

	for _, ts := range []int64{baseMs, baseMs + 500, baseMs + 1000} {
		env := &protocol.Envelope{Type: protocol.EnvelopeSessionMessage, Source: f.admin.SessionID().String(), TimestampMs: uint64(ts)}
		require.ErrorIs(f.handle(env, f.newGroup(f.admin)), ErrStale)
	}

	ms := f.snapshot(t)
	require.Equal(StateKicked, ms.State)
	require.Equal(baseMs+1000, ms.LastJoinedMs)
	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)
}

func TestOwnAdminLeaveDisbands(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t, f.admin, f.us)

	require.Nil(f.handle(f.groupEnv(f.us, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlMemberLeft}))
	require.Equal("disbanded", receive(t, f.rec.events))

	ms := f.snapshot(t)
	require.Equal(StateDisbanded, ms.State)
	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)
}

func TestOwnLeaveFromAnotherDevice(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.join(t)

	require.Nil(f.handle(f.groupEnv(f.us, baseMs+1000), &protocol.GroupControl{Type: protocol.GroupControlMemberLeft}))
	require.Equal("left", receive(t, f.rec.events))

	ms := f.snapshot(t)
	require.Equal(StateLeft, ms.State)
	require.False(ms.IsMember(f.us.SessionID()))
	pairs, err := f.cache.ForGroup(f.groupID)
	require.Nil(err)
	require.Len(pairs, 0)
}

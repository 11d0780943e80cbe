package store

import (
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) (*Store, *clock.ManualClock) {
	c := config.NewConfig(config.WithLoggingPrefix(t.Name()))
	cl := clock.NewManualClock(time.UnixMilli(1_000_000))
	d := test.NewTestDatabaseWithClock(c, cl)
	s, err := New(c, d)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	return s, cl
}

func TestConversationUpsert(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	require.Nil(s.Run("create conversation", func() error {
		c, created, err := s.ConversationOrCreate("05aa", ConversationPrivate)
		require.Nil(err)
		require.True(created)
		c.Name = "alice"
		c.IsBlocked = true
		c.Priority = PriorityHidden
		return s.UpsertConversation(c)
	}))

	require.Nil(s.RunReadOnly("read conversation", func() error {
		c, created, err := s.ConversationOrCreate("05aa", ConversationPrivate)
		require.Nil(err)
		require.False(created)
		require.Equal("alice", c.Name)
		require.True(c.Hidden())
		require.Equal(int64(1_000_000), c.CreatedAtMs)

		blocked, err := s.IsBlocked("05aa")
		require.Nil(err)
		require.True(blocked)
		blocked, err = s.IsBlocked("05bb")
		require.Nil(err)
		require.False(blocked)

		_, err = s.Conversation("05bb")
		require.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func TestDuplicatesAndReceipts(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	require.Nil(s.Run("save messages", func() error {
		require.Nil(s.UpsertConversation(&Conversation{ID: "05bb", Type: ConversationPrivate}))
		require.Nil(s.SaveMessage(&Message{ConversationID: "05bb", Source: "05me", SentAtMs: 10, Direction: DirectionOutgoing, Body: "one"}))
		require.Nil(s.SaveMessage(&Message{ConversationID: "05bb", Source: "05me", SentAtMs: 20, Direction: DirectionOutgoing, Body: "two"}))
		require.Nil(s.SaveMessage(&Message{ConversationID: "05bb", Source: "05bb", SentAtMs: 10, Direction: DirectionIncoming, Body: "three"}))
		require.Nil(s.UpsertConversation(&Conversation{ID: "05cc", Type: ConversationPrivate}))
		return s.SaveMessage(&Message{ConversationID: "05cc", Source: "05me", SentAtMs: 10, Direction: DirectionOutgoing, Body: "four"})
	}))

	require.Nil(s.Run("check", func() error {
		dup, err := s.IsKnownDuplicate("05me", 10)
		require.Nil(err)
		require.True(dup)
		dup, err = s.IsKnownDuplicate("05me", 30)
		require.Nil(err)
		require.False(dup)

		touched, err := s.MarkReadByRecipient("05me", "05bb", []int64{10, 30})
		require.Nil(err)
		require.Equal([]string{"05bb"}, touched)

		messages, err := s.Messages("05bb")
		require.Nil(err)
		require.Len(messages, 3)
		read := map[string]bool{}
		for _, m := range messages {
			read[m.Body] = m.ReadByRecipient
		}
		require.Equal(map[string]bool{"one": true, "two": false, "three": false}, read)

		others, err := s.Messages("05cc")
		require.Nil(err)
		require.Len(others, 1)
		require.False(others[0].ReadByRecipient)
		return nil
	}))
}

func TestReactionsAndDeletion(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	require.Nil(s.Run("react", func() error {
		require.Nil(s.UpsertConversation(&Conversation{ID: "05bb", Type: ConversationPrivate}))
		m := &Message{ConversationID: "05bb", Source: "05bb", SentAtMs: 10, Body: "hi", QuoteID: 3}
		require.Nil(s.SaveMessage(m))
		require.Nil(s.AddReaction(&Reaction{MessageID: m.ID, Author: "05cc", Emoji: "👍"}))
		require.Nil(s.AddReaction(&Reaction{MessageID: m.ID, Author: "05cc", Emoji: "👍"}))
		reactions, err := s.Reactions(m.ID)
		require.Nil(err)
		require.Len(reactions, 1)

		require.Nil(s.MarkMessageDeleted(m.ID))
		deleted, err := s.MessageBySenderAndSentAt("05bb", 10)
		require.Nil(err)
		require.True(deleted.IsDeleted)
		require.Equal("", deleted.Body)
		reactions, err = s.Reactions(m.ID)
		require.Nil(err)
		require.Len(reactions, 0)

		require.Nil(s.DeleteMessage(m.ID))
		_, err = s.MessageBySenderAndSentAt("05bb", 10)
		require.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func TestKeyPairHistory(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	first, err := crypto.NewKeyPair()
	require.Nil(err)
	second, err := crypto.NewKeyPair()
	require.Nil(err)

	require.Nil(s.Run("key pairs", func() error {
		added, err := s.SaveClosedGroupKeyPair("05group", first)
		require.Nil(err)
		require.True(added)
		added, err = s.SaveClosedGroupKeyPair("05group", &crypto.KeyPair{PublicKey: first.PublicKey, PrivateKey: first.PrivateKey})
		require.Nil(err)
		require.False(added)
		added, err = s.SaveClosedGroupKeyPair("05group", second)
		require.Nil(err)
		require.True(added)

		pairs, err := s.KeyPairsForGroup("05group")
		require.Nil(err)
		require.Len(pairs, 2)
		require.True(pairs[0].Equal(first))
		require.True(pairs[1].Equal(second))

		require.Nil(s.RemoveKeyPairsForGroup("05group"))
		pairs, err = s.KeyPairsForGroup("05group")
		require.Nil(err)
		require.Len(pairs, 0)
		return nil
	}))
}

func TestRecencyMarksAndDeferred(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	require.Nil(s.Run("marks", func() error {
		require.Nil(s.SetRecencyMark("UserGroupsConfig", 100))
		require.Nil(s.SetRecencyMark("UserGroupsConfig", 200))
		marks, err := s.RecencyMarks()
		require.Nil(err)
		require.Equal(map[string]int64{"UserGroupsConfig": 200}, marks)

		require.Nil(s.SaveDeferredEnvelope(&DeferredEnvelope{ID: "a", GroupID: "05group", Envelope: []byte{1}, ExpiresAtMs: 500}))
		require.Nil(s.SaveDeferredEnvelope(&DeferredEnvelope{ID: "b", GroupID: "05group", Envelope: []byte{2}, ExpiresAtMs: 2_000_000}))
		require.Nil(s.SaveDeferredEnvelope(&DeferredEnvelope{ID: "b", GroupID: "05group", Envelope: []byte{2}, ExpiresAtMs: 2_000_000}))
		b, err := s.DeferredEnvelope("b")
		require.Nil(err)
		require.Equal(1, b.Attempts)

		pruned, err := s.PruneDeferredEnvelopes(1_000_000, 10)
		require.Nil(err)
		require.Equal(int64(1), pruned)
		envelopes, err := s.DeferredEnvelopesForGroup("05group")
		require.Nil(err)
		require.Len(envelopes, 1)
		require.Equal("b", envelopes[0].ID)
		return nil
	}))
}

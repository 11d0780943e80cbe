package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbox/ids"
)

type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

type MessageKind int

const (
	KindVisible MessageKind = iota
	KindExpirationTimerUpdate
	KindGroupUpdate
	KindDataExtraction
	KindApprovalResponse
)

type GroupUpdateKind int

const (
	GroupUpdateNone GroupUpdateKind = iota
	GroupUpdateName
	GroupUpdateAdded
	GroupUpdateKicked
	GroupUpdateLeft
	GroupUpdateJoined
)

type Message struct {
	ID                 []byte          `db:"id"`
	ConversationID     string          `db:"conversation_id"`
	Source             string          `db:"source"`
	SentAtMs           int64           `db:"sent_at_ms"`
	ReceivedAtMs       int64           `db:"received_at_ms"`
	MessageHash        string          `db:"message_hash"`
	ServerID           int64           `db:"server_id"`
	ServerTimestampMs  int64           `db:"server_timestamp_ms"`
	Direction          Direction       `db:"direction"`
	Kind               MessageKind     `db:"kind"`
	Body               string          `db:"body"`
	QuoteID            int64           `db:"quote_id"`
	QuoteAuthor        string          `db:"quote_author"`
	AttachmentCount    int             `db:"attachment_count"`
	ExpireTimerSec     uint32          `db:"expire_timer_sec"`
	ExpiresAtMs        int64           `db:"expires_at_ms"`
	GroupUpdateKind    GroupUpdateKind `db:"group_update_kind"`
	GroupUpdateName    string          `db:"group_update_name"`
	GroupUpdateMembers string          `db:"group_update_members"`
	Unread             bool            `db:"unread"`
	ReadByRecipient    bool            `db:"read_by_recipient"`
	IsDeleted          bool            `db:"is_deleted"`
}

func (m *Message) MessageID() ids.ID {
	return ids.IDFromBytes(m.ID)
}

// Members returns the pubkeys named in a group update entry.
func (m *Message) Members() []string {
	if m.GroupUpdateMembers == "" {
		return nil
	}
	return strings.Split(m.GroupUpdateMembers, ",")
}

func (m *Message) SetMembers(members []string) {
	m.GroupUpdateMembers = strings.Join(members, ",")
}

func (s *Store) IsKnownDuplicate(source string, sentAtMs int64) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _messages WHERE source = $1 AND sent_at_ms = $2", source, sentAtMs); err != nil {
		return false, fmt.Errorf("store: error checking duplicate: %w", err)
	}
	return count != 0, nil
}

// SaveMessage inserts m, assigning an id when it has none, or updates it in place.
func (s *Store) SaveMessage(m *Message) error {
	if len(m.ID) == 0 {
		id := ids.NewID()
		m.ID = id[:]
	}
	if m.ReceivedAtMs == 0 {
		m.ReceivedAtMs = s.NowMs()
	}
	if _, err := s.Tx.NamedExec(`INSERT INTO _messages
		(id, conversation_id, source, sent_at_ms, received_at_ms, message_hash, server_id, server_timestamp_ms, direction, kind, body, quote_id, quote_author,
		attachment_count, expire_timer_sec, expires_at_ms, group_update_kind, group_update_name, group_update_members, unread, read_by_recipient, is_deleted)
		VALUES (:id, :conversation_id, :source, :sent_at_ms, :received_at_ms, :message_hash, :server_id, :server_timestamp_ms, :direction, :kind, :body, :quote_id, :quote_author,
		:attachment_count, :expire_timer_sec, :expires_at_ms, :group_update_kind, :group_update_name, :group_update_members, :unread, :read_by_recipient, :is_deleted)
		ON CONFLICT(id) DO UPDATE SET body = :body, expires_at_ms = :expires_at_ms, unread = :unread, read_by_recipient = :read_by_recipient, is_deleted = :is_deleted`, m); err != nil {
		return fmt.Errorf("store: error saving message: %w", err)
	}
	return nil
}

func (s *Store) MessageBySenderAndSentAt(source string, sentAtMs int64) (*Message, error) {
	m := &Message{}
	if err := s.Tx.Get(m, "SELECT * FROM _messages WHERE source = $1 AND sent_at_ms = $2 LIMIT 1", source, sentAtMs); err != nil {
		return nil, notFound(err, "message from %s at %d", source, sentAtMs)
	}
	return m, nil
}

func (s *Store) Messages(conversationID string) ([]*Message, error) {
	var messages []*Message
	if err := s.Tx.Select(&messages, "SELECT * FROM _messages WHERE conversation_id = $1 ORDER BY sent_at_ms, id", conversationID); err != nil {
		return nil, fmt.Errorf("store: error getting messages for %s: %w", conversationID, err)
	}
	return messages, nil
}

// MarkReadByRecipient flags the outgoing messages we sent to reader's private conversation at any of
// sentAtMs as read and returns the conversations touched.
func (s *Store) MarkReadByRecipient(source, reader string, sentAtMs []int64) ([]string, error) {
	if len(sentAtMs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT DISTINCT conversation_id FROM _messages WHERE conversation_id = ? AND source = ? AND direction = ? AND read_by_recipient = 0 AND sent_at_ms IN (?)", reader, source, DirectionOutgoing, sentAtMs)
	if err != nil {
		return nil, fmt.Errorf("store: error building read receipt query: %w", err)
	}
	var conversations []string
	if err := s.Tx.Select(&conversations, s.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: error finding read messages: %w", err)
	}
	query, args, err = sqlx.In("UPDATE _messages SET read_by_recipient = 1 WHERE conversation_id = ? AND source = ? AND direction = ? AND sent_at_ms IN (?)", reader, source, DirectionOutgoing, sentAtMs)
	if err != nil {
		return nil, fmt.Errorf("store: error building read receipt update: %w", err)
	}
	if _, err := s.Tx.Exec(s.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: error marking read: %w", err)
	}
	return conversations, nil
}

func (s *Store) DeleteMessage(id []byte) error {
	if _, err := s.Tx.Exec("DELETE FROM _messages WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting message: %w", err)
	}
	return nil
}

// MarkMessageDeleted keeps a tombstone in the timeline without its content.
func (s *Store) MarkMessageDeleted(id []byte) error {
	if _, err := s.Tx.Exec("UPDATE _messages SET body = '', attachment_count = 0, quote_id = 0, quote_author = '', is_deleted = 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error marking message deleted: %w", err)
	}
	if _, err := s.Tx.Exec("DELETE FROM _reactions WHERE message_id = $1", id); err != nil {
		return fmt.Errorf("store: error clearing reactions: %w", err)
	}
	return nil
}

type Reaction struct {
	MessageID   []byte `db:"message_id"`
	Author      string `db:"author"`
	Emoji       string `db:"emoji"`
	ReactedAtMs int64  `db:"reacted_at_ms"`
}

func (s *Store) AddReaction(r *Reaction) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _reactions (message_id, author, emoji, reacted_at_ms) VALUES (:message_id, :author, :emoji, :reacted_at_ms) ON CONFLICT DO NOTHING", r); err != nil {
		return fmt.Errorf("store: error adding reaction: %w", err)
	}
	return nil
}

func (s *Store) RemoveReaction(messageID []byte, author, emoji string) error {
	if _, err := s.Tx.Exec("DELETE FROM _reactions WHERE message_id = $1 AND author = $2 AND emoji = $3", messageID, author, emoji); err != nil {
		return fmt.Errorf("store: error removing reaction: %w", err)
	}
	return nil
}

func (s *Store) Reactions(messageID []byte) ([]*Reaction, error) {
	var reactions []*Reaction
	if err := s.Tx.Select(&reactions, "SELECT * FROM _reactions WHERE message_id = $1 ORDER BY reacted_at_ms, author, emoji", messageID); err != nil {
		return nil, fmt.Errorf("store: error getting reactions: %w", err)
	}
	return reactions, nil
}

package store

import (
	"fmt"
)

type ConversationType int

const (
	ConversationPrivate ConversationType = iota
	ConversationLegacyGroup
	ConversationGroupV2
	ConversationCommunity
)

// PriorityHidden marks a conversation which the user removed from their list.
const PriorityHidden = -1

type Conversation struct {
	ID             string           `db:"id"`
	Type           ConversationType `db:"type"`
	Name           string           `db:"name"`
	DisplayName    string           `db:"display_name"`
	ActiveAtMs     int64            `db:"active_at_ms"`
	Priority       int64            `db:"priority"`
	IsApproved     bool             `db:"is_approved"`
	DidApproveMe   bool             `db:"did_approve_me"`
	IsBlocked      bool             `db:"is_blocked"`
	ExpireTimerSec uint32           `db:"expire_timer_sec"`
	ExpirationMode int              `db:"expiration_mode"`
	CreatedAtMs    int64            `db:"created_at_ms"`
}

func (c *Conversation) Hidden() bool {
	return c.Priority < 0
}

func (c *Conversation) IsPrivate() bool {
	return c.Type == ConversationPrivate
}

func (s *Store) Conversation(id string) (*Conversation, error) {
	c := &Conversation{}
	if err := s.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		return nil, notFound(err, "conversation %s", id)
	}
	return c, nil
}

// ConversationOrCreate returns the stored conversation, creating an empty one of type t when
// there is none. Nothing is persisted until UpsertConversation is called.
func (s *Store) ConversationOrCreate(id string, t ConversationType) (*Conversation, bool, error) {
	c := &Conversation{}
	err := s.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id)
	if err == nil {
		return c, false, nil
	}
	if err := notFound(err, "conversation %s", id); !isNotFound(err) {
		return nil, false, err
	}
	return &Conversation{ID: id, Type: t, CreatedAtMs: s.NowMs()}, true, nil
}

func (s *Store) UpsertConversation(c *Conversation) error {
	if c.CreatedAtMs == 0 {
		c.CreatedAtMs = s.NowMs()
	}
	if _, err := s.Tx.NamedExec(`INSERT INTO _conversations
		(id, type, name, display_name, active_at_ms, priority, is_approved, did_approve_me, is_blocked, expire_timer_sec, expiration_mode, created_at_ms)
		VALUES (:id, :type, :name, :display_name, :active_at_ms, :priority, :is_approved, :did_approve_me, :is_blocked, :expire_timer_sec, :expiration_mode, :created_at_ms)
		ON CONFLICT(id) DO UPDATE SET type = :type, name = :name, display_name = :display_name, active_at_ms = :active_at_ms, priority = :priority,
		is_approved = :is_approved, did_approve_me = :did_approve_me, is_blocked = :is_blocked, expire_timer_sec = :expire_timer_sec, expiration_mode = :expiration_mode`, c); err != nil {
		return fmt.Errorf("store: error upserting conversation: %w", err)
	}
	return nil
}

// IsBlocked is false for unknown conversations.
func (s *Store) IsBlocked(id string) (bool, error) {
	var blocked []bool
	if err := s.Tx.Select(&blocked, "SELECT is_blocked FROM _conversations WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("store: error checking blocked %s: %w", id, err)
	}
	return len(blocked) == 1 && blocked[0], nil
}

func (s *Store) IsApproved(id string) (bool, error) {
	var approved []bool
	if err := s.Tx.Select(&approved, "SELECT is_approved FROM _conversations WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("store: error checking approved %s: %w", id, err)
	}
	return len(approved) == 1 && approved[0], nil
}

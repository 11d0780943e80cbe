package store

import "fmt"

// DeferredEnvelope is a group envelope none of our key pairs could open yet.
type DeferredEnvelope struct {
	ID           string `db:"id"`
	GroupID      string `db:"group_id"`
	Envelope     []byte `db:"envelope"`
	MessageHash  string `db:"message_hash"`
	ExpiresAtMs  int64  `db:"expires_at_ms"`
	ReceivedAtMs int64  `db:"received_at_ms"`
	Attempts     int    `db:"attempts"`
}

func (s *Store) SaveDeferredEnvelope(d *DeferredEnvelope) error {
	if d.ReceivedAtMs == 0 {
		d.ReceivedAtMs = s.NowMs()
	}
	if _, err := s.Tx.NamedExec(`INSERT INTO _deferred_envelopes (id, group_id, envelope, message_hash, expires_at_ms, received_at_ms, attempts)
		VALUES (:id, :group_id, :envelope, :message_hash, :expires_at_ms, :received_at_ms, :attempts)
		ON CONFLICT(id) DO UPDATE SET attempts = attempts + 1`, d); err != nil {
		return fmt.Errorf("store: error saving deferred envelope: %w", err)
	}
	return nil
}

func (s *Store) DeferredEnvelope(id string) (*DeferredEnvelope, error) {
	d := &DeferredEnvelope{}
	if err := s.Tx.Get(d, "SELECT * FROM _deferred_envelopes WHERE id = $1", id); err != nil {
		return nil, notFound(err, "deferred envelope %s", id)
	}
	return d, nil
}

func (s *Store) DeferredEnvelopesForGroup(groupID string) ([]*DeferredEnvelope, error) {
	var envelopes []*DeferredEnvelope
	if err := s.Tx.Select(&envelopes, "SELECT * FROM _deferred_envelopes WHERE group_id = $1 ORDER BY received_at_ms, id", groupID); err != nil {
		return nil, fmt.Errorf("store: error getting deferred envelopes for %s: %w", groupID, err)
	}
	return envelopes, nil
}

func (s *Store) DeleteDeferredEnvelope(id string) error {
	if _, err := s.Tx.Exec("DELETE FROM _deferred_envelopes WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting deferred envelope %s: %w", id, err)
	}
	return nil
}

// PruneDeferredEnvelopes drops envelopes past their swarm expiry or retried too often.
func (s *Store) PruneDeferredEnvelopes(nowMs int64, maxAttempts int) (int64, error) {
	res, err := s.Tx.Exec("DELETE FROM _deferred_envelopes WHERE (expires_at_ms != 0 AND expires_at_ms < $1) OR attempts >= $2", nowMs, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("store: error pruning deferred envelopes: %w", err)
	}
	return res.RowsAffected()
}

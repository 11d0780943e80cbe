package store

import (
	"fmt"

	"github.com/meow-io/go-inbox/crypto"
)

type keyPairRow struct {
	Seq          int64  `db:"seq"`
	GroupID      string `db:"group_id"`
	PublicKey    []byte `db:"public_key"`
	PrivateKey   []byte `db:"private_key"`
	ReceivedAtMs int64  `db:"received_at_ms"`
}

// SaveClosedGroupKeyPair appends kp to the group's history unless an identical pair is already
// known, reporting whether it was added.
func (s *Store) SaveClosedGroupKeyPair(groupID string, kp *crypto.KeyPair) (bool, error) {
	existing, err := s.KeyPairsForGroup(groupID)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.Equal(kp) {
			return false, nil
		}
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _closed_group_key_pairs (group_id, public_key, private_key, received_at_ms) VALUES (:group_id, :public_key, :private_key, :received_at_ms)", &keyPairRow{
		GroupID:      groupID,
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		ReceivedAtMs: s.NowMs(),
	}); err != nil {
		return false, fmt.Errorf("store: error saving key pair: %w", err)
	}
	return true, nil
}

// KeyPairsForGroup returns the group's key pairs oldest first.
func (s *Store) KeyPairsForGroup(groupID string) ([]*crypto.KeyPair, error) {
	var rows []*keyPairRow
	if err := s.Tx.Select(&rows, "SELECT * FROM _closed_group_key_pairs WHERE group_id = $1 ORDER BY seq", groupID); err != nil {
		return nil, fmt.Errorf("store: error getting key pairs for %s: %w", groupID, err)
	}
	pairs := make([]*crypto.KeyPair, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, &crypto.KeyPair{PublicKey: r.PublicKey, PrivateKey: r.PrivateKey})
	}
	return pairs, nil
}

func (s *Store) RemoveKeyPairsForGroup(groupID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _closed_group_key_pairs WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error removing key pairs for %s: %w", groupID, err)
	}
	return nil
}

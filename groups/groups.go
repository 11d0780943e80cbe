// Package groups applies legacy closed group control messages: membership, admins, names and the
// history of x25519 key pairs a group has used.
package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/migration"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/recency"
	"github.com/meow-io/go-inbox/store"
	"go.uber.org/zap"
)

var (
	ErrMalformedPayload = errors.New("groups: malformed payload")
	ErrRejected         = errors.New("groups: rejected")
	ErrStale            = errors.New("groups: stale")
	ErrIgnored          = errors.New("groups: ignored")
)

const yearMs = 365 * 24 * 60 * 60 * 1000

// Hooks are told about changes to our own participation. They run after the change has committed.
type Hooks interface {
	GroupJoined(groupID pubkey.Key, name string)
	GroupKicked(groupID pubkey.Key)
	GroupLeft(groupID pubkey.Key)
	GroupDisbanded(groupID pubkey.Key)
}

// KeyPairDistributor sends a group's key pair to members who have just been added.
type KeyPairDistributor interface {
	DistributeKeyPair(groupID pubkey.Key, kp *crypto.KeyPair, recipients []pubkey.Key) error
}

type Classifier interface {
	Classify(envelopeTimestampMs int64, domain recency.Domain) recency.Decision
}

type Machine struct {
	log          *zap.SugaredLogger
	config       *config.Config
	store        *store.Store
	cache        *KeyPairCache
	recency      Classifier
	identity     *crypto.Identity
	hooks        Hooks
	distributor  KeyPairDistributor
	keyPairAdded func(groupID pubkey.Key)
}

// NewMachine must be called while holding the database lock.
func NewMachine(c *config.Config, st *store.Store, cache *KeyPairCache, rec Classifier, identity *crypto.Identity, hooks Hooks, distributor KeyPairDistributor) (*Machine, error) {
	m := &Machine{
		log:          c.Logger("groups"),
		config:       c,
		store:        st,
		cache:        cache,
		recency:      rec,
		identity:     identity,
		hooks:        hooks,
		distributor:  distributor,
		keyPairAdded: func(pubkey.Key) {},
	}

	if err := st.MigrateNoLock("_groups", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _closed_groups (
						id TEXT PRIMARY KEY,
						state INTEGER NOT NULL,
						last_joined_ms INTEGER NOT NULL DEFAULT 0,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE _closed_group_members (
						group_id TEXT NOT NULL,
						pubkey TEXT NOT NULL,
						role INTEGER NOT NULL,
						position INTEGER NOT NULL,
						PRIMARY KEY (group_id, pubkey, role),
						FOREIGN KEY(group_id) REFERENCES _closed_groups(id) ON DELETE CASCADE
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("groups: error migrating: %w", err)
	}
	return m, nil
}

// OnKeyPairAdded registers f to be called after a previously unknown key pair for a group commits.
func (m *Machine) OnKeyPairAdded(f func(groupID pubkey.Key)) {
	m.keyPairAdded = f
}

func (m *Machine) ourKey() pubkey.Key {
	return m.identity.SessionID()
}

// Snapshot loads the current membership of a group outside of any transaction.
func (m *Machine) Snapshot(groupID pubkey.Key) (*Membership, error) {
	var ms *Membership
	err := m.store.RunReadOnly("group snapshot", func() error {
		var err error
		ms, err = m.membership(groupID)
		return err
	})
	return ms, err
}

package groups

import (
	"sync"

	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/store"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// KeyPairCache holds each group's key pair history oldest first. Entries are only filled from
// committed state and are dropped whenever a transaction changes the history.
type KeyPairCache struct {
	store *store.Store
	lock  sync.Mutex
	pairs map[pubkey.Key][]*crypto.KeyPair
}

func NewKeyPairCache(st *store.Store) *KeyPairCache {
	return &KeyPairCache{
		store: st,
		pairs: make(map[pubkey.Key][]*crypto.KeyPair),
	}
}

// ForGroup must not be called inside a transaction.
func (c *KeyPairCache) ForGroup(groupID pubkey.Key) ([]*crypto.KeyPair, error) {
	if pairs, ok := c.cached(groupID); ok {
		return pairs, nil
	}
	var pairs []*crypto.KeyPair
	err := c.store.RunReadOnly("loading group key pairs", func() error {
		var err error
		pairs, err = c.store.KeyPairsForGroup(groupID.String())
		if err != nil {
			return err
		}
		c.lock.Lock()
		defer c.lock.Unlock()
		c.pairs[groupID] = pairs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(pairs), nil
}

// Latest returns the newest key pair for a group, or nil. It must not be called inside a
// transaction.
func (c *KeyPairCache) Latest(groupID pubkey.Key) (*crypto.KeyPair, error) {
	pairs, err := c.ForGroup(groupID)
	if err != nil || len(pairs) == 0 {
		return nil, err
	}
	return pairs[len(pairs)-1], nil
}

func (c *KeyPairCache) cached(groupID pubkey.Key) ([]*crypto.KeyPair, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	pairs, ok := c.pairs[groupID]
	return slices.Clone(pairs), ok
}

func (c *KeyPairCache) forGroupTx(groupID pubkey.Key) ([]*crypto.KeyPair, error) {
	if pairs, ok := c.cached(groupID); ok {
		return pairs, nil
	}
	return c.store.KeyPairsForGroup(groupID.String())
}

func (c *KeyPairCache) addTx(groupID pubkey.Key, kp *crypto.KeyPair) (bool, error) {
	c.invalidate(groupID)
	return c.store.SaveClosedGroupKeyPair(groupID.String(), kp)
}

func (c *KeyPairCache) removeTx(groupID pubkey.Key) error {
	c.invalidate(groupID)
	return c.store.RemoveKeyPairsForGroup(groupID.String())
}

func (c *KeyPairCache) invalidate(groupID pubkey.Key) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.pairs, groupID)
}

// Clear forgets everything, used on logout.
func (c *KeyPairCache) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	maps.Clear(c.pairs)
}

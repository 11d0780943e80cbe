package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/pubkey"
	"golang.org/x/exp/slices"
)

type State int

const (
	StateActive State = iota
	// StateKicked means an admin removed us.
	StateKicked
	StateLeft
	// StateDisbanded is terminal.
	StateDisbanded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateKicked:
		return "kicked"
	case StateLeft:
		return "left"
	case StateDisbanded:
		return "disbanded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type role int

const (
	roleMember role = iota
	roleAdmin
	roleZombie
)

// Membership is a snapshot of a group. Admins are kept in the order the group was created with,
// so the first admin is the founder. LastJoinedMs only moves forward: it is raised to the
// timestamp of the control message that removed us, so older invites cannot rejoin.
type Membership struct {
	GroupID      pubkey.Key
	State        State
	Members      []pubkey.Key
	Admins       []pubkey.Key
	Zombies      []pubkey.Key
	LastJoinedMs int64
	CreatedAtMs  int64
}

func (ms *Membership) IsMember(k pubkey.Key) bool {
	return slices.Contains(ms.Members, k)
}

func (ms *Membership) IsAdmin(k pubkey.Key) bool {
	return slices.Contains(ms.Admins, k)
}

func (ms *Membership) IsZombie(k pubkey.Key) bool {
	return slices.Contains(ms.Zombies, k)
}

func (ms *Membership) FirstAdmin() (pubkey.Key, bool) {
	if len(ms.Admins) == 0 {
		return "", false
	}
	return ms.Admins[0], true
}

func (ms *Membership) clone() *Membership {
	c := *ms
	c.Members = slices.Clone(ms.Members)
	c.Admins = slices.Clone(ms.Admins)
	c.Zombies = slices.Clone(ms.Zombies)
	return &c
}

// without returns the keys of list not present in remove, keeping order.
func without(list, remove []pubkey.Key) []pubkey.Key {
	out := make([]pubkey.Key, 0, len(list))
	for _, k := range list {
		if !slices.Contains(remove, k) {
			out = append(out, k)
		}
	}
	return out
}

func parseKeys(raw [][]byte) ([]pubkey.Key, error) {
	keys := make([]pubkey.Key, 0, len(raw))
	for _, b := range raw {
		k, err := pubkey.FromBytes(b)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type groupRow struct {
	ID           string `db:"id"`
	State        State  `db:"state"`
	LastJoinedMs int64  `db:"last_joined_ms"`
	CreatedAtMs  int64  `db:"created_at_ms"`
}

type memberRow struct {
	GroupID  string `db:"group_id"`
	PubKey   string `db:"pubkey"`
	Role     role   `db:"role"`
	Position int    `db:"position"`
}

// membership returns nil when the group is unknown. Must be called inside a transaction.
func (m *Machine) membership(groupID pubkey.Key) (*Membership, error) {
	row := &groupRow{}
	if err := m.store.Tx.Get(row, "SELECT * FROM _closed_groups WHERE id = $1", groupID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting group %s: %w", groupID, err)
	}
	var rows []*memberRow
	if err := m.store.Tx.Select(&rows, "SELECT * FROM _closed_group_members WHERE group_id = $1 ORDER BY role, position", groupID.String()); err != nil {
		return nil, fmt.Errorf("groups: error getting members of %s: %w", groupID, err)
	}
	ms := &Membership{
		GroupID:      groupID,
		State:        row.State,
		LastJoinedMs: row.LastJoinedMs,
		CreatedAtMs:  row.CreatedAtMs,
	}
	for _, r := range rows {
		k := pubkey.Key(r.PubKey)
		switch r.Role {
		case roleMember:
			ms.Members = append(ms.Members, k)
		case roleAdmin:
			ms.Admins = append(ms.Admins, k)
		case roleZombie:
			ms.Zombies = append(ms.Zombies, k)
		}
	}
	return ms, nil
}

// saveMembership replaces the stored group with ms. Must be called inside a transaction.
func (m *Machine) saveMembership(ms *Membership) error {
	if ms.CreatedAtMs == 0 {
		ms.CreatedAtMs = m.store.NowMs()
	}
	if _, err := m.store.Tx.NamedExec(`INSERT INTO _closed_groups (id, state, last_joined_ms, created_at_ms)
		VALUES (:id, :state, :last_joined_ms, :created_at_ms)
		ON CONFLICT(id) DO UPDATE SET state = :state, last_joined_ms = :last_joined_ms`, &groupRow{
		ID:           ms.GroupID.String(),
		State:        ms.State,
		LastJoinedMs: ms.LastJoinedMs,
		CreatedAtMs:  ms.CreatedAtMs,
	}); err != nil {
		return fmt.Errorf("groups: error saving group %s: %w", ms.GroupID, err)
	}
	if _, err := m.store.Tx.Exec("DELETE FROM _closed_group_members WHERE group_id = $1", ms.GroupID.String()); err != nil {
		return fmt.Errorf("groups: error clearing members of %s: %w", ms.GroupID, err)
	}
	for r, keys := range map[role][]pubkey.Key{roleMember: ms.Members, roleAdmin: ms.Admins, roleZombie: ms.Zombies} {
		for i, k := range keys {
			if _, err := m.store.Tx.NamedExec("INSERT INTO _closed_group_members (group_id, pubkey, role, position) VALUES (:group_id, :pubkey, :role, :position)", &memberRow{
				GroupID:  ms.GroupID.String(),
				PubKey:   k.String(),
				Role:     r,
				Position: i,
			}); err != nil {
				return fmt.Errorf("groups: error saving member %s of %s: %w", k, ms.GroupID, err)
			}
		}
	}
	return nil
}

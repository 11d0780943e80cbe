// This package defines the id type used for locally stored messages. Ids are time ordered
// (uuid v7) so that insertion order and lexical order agree.
package ids

import (
	"bytes"

	"github.com/google/uuid"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

func IDFromString(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func NewID() ID {
	u, err := uuid.NewV7()
	if err != nil {
		panic("short read from random source")
	}
	return ID(u)
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }

package dispatch

import (
	"github.com/meow-io/go-inbox/store"
)

// DuplicateFilter recognises a message already stored under the same sender and sent timestamp.
// It must be consulted inside the conversation job, just before the commit, so that two copies of
// a message queued on the same conversation cannot both pass.
type DuplicateFilter struct {
	store *store.Store
}

func NewDuplicateFilter(st *store.Store) *DuplicateFilter {
	return &DuplicateFilter{store: st}
}

func (f *DuplicateFilter) IsDuplicate(source string, sentAtMs int64) (bool, error) {
	return f.store.IsKnownDuplicate(source, sentAtMs)
}

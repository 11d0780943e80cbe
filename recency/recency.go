// Package recency decides whether a state change carried by a message is already superseded by
// a config wrapper that has been merged more recently.
package recency

import (
	"sync"

	"github.com/meow-io/go-inbox/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type Domain string

const (
	UserConfig              Domain = "UserConfig"
	ContactsConfig          Domain = "ContactsConfig"
	UserGroupsConfig        Domain = "UserGroupsConfig"
	ConvoInfoVolatileConfig Domain = "ConvoInfoVolatileConfig"
)

type Decision int

const (
	ApplyFully Decision = iota
	// ApplyMessageOnly records the event in the timeline without changing live state.
	ApplyMessageOnly
)

func (d Decision) String() string {
	if d == ApplyFully {
		return "apply-fully"
	}
	return "apply-message-only"
}

// MarkSource exposes the last envelope timestamp each config domain has merged.
type MarkSource interface {
	LastProcessedTimestamp(domain Domain) (int64, bool)
}

// Marks is the in memory view of the merged config timestamps. It is loaded once at startup,
// updated by the config merge path and cleared on logout.
type Marks struct {
	lock  sync.RWMutex
	marks map[Domain]int64
}

func NewMarks() *Marks {
	return &Marks{marks: make(map[Domain]int64)}
}

func (m *Marks) Load(stored map[string]int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for d, ts := range stored {
		m.marks[Domain(d)] = ts
	}
}

func (m *Marks) Set(domain Domain, timestampMs int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.marks[domain] = timestampMs
}

func (m *Marks) LastProcessedTimestamp(domain Domain) (int64, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ts, ok := m.marks[domain]
	return ts, ok
}

func (m *Marks) Clear() {
	m.lock.Lock()
	defer m.lock.Unlock()
	maps.Clear(m.marks)
}

type Reconciler struct {
	marks   MarkSource
	slackMs int64
	log     *zap.SugaredLogger
}

func NewReconciler(c *config.Config, marks MarkSource) *Reconciler {
	return &Reconciler{
		marks:   marks,
		slackMs: c.WrapperRecencySlackMs,
		log:     c.Logger("recency"),
	}
}

func (r *Reconciler) Classify(envelopeTimestampMs int64, domain Domain) Decision {
	mark, ok := r.marks.LastProcessedTimestamp(domain)
	if !ok {
		return ApplyFully
	}
	if envelopeTimestampMs > mark-r.slackMs {
		return ApplyFully
	}
	r.log.Debugf("envelope at %d is older than %s wrapper at %d", envelopeTimestampMs, domain, mark)
	return ApplyMessageOnly
}

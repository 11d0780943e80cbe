package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock    sync.Mutex
	ids     []string
	patches []Patch
}

func (r *recorder) OnConversationChanged(id string, patch Patch) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ids = append(r.ids, id)
	r.patches = append(r.patches, patch)
}

func (r *recorder) snapshot() ([]string, []Patch) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.ids...), append([]Patch{}, r.patches...)
}

func TestCoalescesWithinInterval(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix(t.Name()), config.WithNotifyFlushInterval(time.Hour))
	r := &recorder{}
	b := NewBatcher(c, r)
	b.Start()
	defer func() { require.Nil(b.Shutdown()) }()

	b.Publish("05aa", Patch{KeyActiveAt: int64(1), KeyUnread: true})
	b.Publish("05bb", Patch{KeyTyping: true})
	b.Publish("05aa", Patch{KeyActiveAt: int64(2)})
	b.Flush()

	ids, patches := r.snapshot()
	require.Equal([]string{"05aa", "05bb"}, ids)
	require.Equal(Patch{KeyActiveAt: int64(2), KeyUnread: true}, patches[0])
	require.Equal(Patch{KeyTyping: true}, patches[1])
}

func TestFlushesOnTimer(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix(t.Name()), config.WithNotifyFlushInterval(10*time.Millisecond))
	r := &recorder{}
	b := NewBatcher(c, r)
	b.Start()
	defer func() { require.Nil(b.Shutdown()) }()

	b.Publish("05aa", nil)
	require.Eventually(func() bool {
		ids, _ := r.snapshot()
		return len(ids) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestShutdownDeliversPending(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix(t.Name()), config.WithNotifyFlushInterval(time.Hour))
	r := &recorder{}
	b := NewBatcher(c, r)
	b.Start()

	patch := Patch{KeyName: "first"}
	b.Publish("05aa", patch)
	patch[KeyName] = "mutated"
	require.Nil(b.Shutdown())

	ids, patches := r.snapshot()
	require.Equal([]string{"05aa"}, ids)
	require.Equal("first", patches[0][KeyName])
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistersOnce(t *testing.T) {
	require := require.New(t)
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EnvelopesReceived.Inc()
	m.EnvelopesDropped.WithLabelValues("blocked").Inc()
	m.EnvelopesDropped.WithLabelValues("blocked").Inc()
	m.Timeouts.WithLabelValues("decrypt").Inc()

	require.Equal(float64(1), testutil.ToFloat64(m.EnvelopesReceived))
	require.Equal(float64(2), testutil.ToFloat64(m.EnvelopesDropped.WithLabelValues("blocked")))
	require.Equal(float64(1), testutil.ToFloat64(m.Timeouts.WithLabelValues("decrypt")))

	require.Panics(func() { New(reg) })
}

func TestUnregistered(t *testing.T) {
	require := require.New(t)
	a := New(nil)
	b := New(nil)
	a.EnvelopesDeferred.Inc()
	require.Equal(float64(1), testutil.ToFloat64(a.EnvelopesDeferred))
	require.Equal(float64(0), testutil.ToFloat64(b.EnvelopesDeferred))
}

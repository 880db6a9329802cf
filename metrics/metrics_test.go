package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	m.RecordPush("repoX", "ok")
	m.RecordMirrorLookup("repoX", true)
	m.RecordMirrorLookup("repoX", false)
	m.ObserveLockWait("repoX", 250*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == namespace+"_pushes_total" {
			found = true
			require.Len(t, f.Metric, 1)
			require.Equal(t, float64(1), f.Metric[0].Counter.GetValue())
		}
	}
	require.True(t, found)
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	require.Error(t, m.Register(reg))
}

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewHubMetrics_Registers_On_Registry(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()

	// When the metrics are created and used
	m := NewHubMetrics(reg)
	m.Frames.WithLabelValues("publish").Inc()
	m.Sessions.Inc()

	// Then the registry exposes them
	req.Equal(float64(1), testutil.ToFloat64(m.Frames.WithLabelValues("publish")))
	req.Equal(float64(1), testutil.ToFloat64(m.Sessions))
	count, err := testutil.GatherAndCount(reg)
	req.NoError(err)
	req.Equal(5, count)
}

func TestNewHubMetrics_Registering_Twice_Panics(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()
	NewHubMetrics(reg)

	req.Panics(func() { NewHubMetrics(reg) })
}

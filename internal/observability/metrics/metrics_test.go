package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMustRegister_AddsServiceLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg, "gk-test")

	KeyRotationsTotal.WithLabelValues("sent").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "key_rotations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "service" && lp.GetValue() == "gk-test" {
					found = true
				}
			}
		}
	}
	require.True(t, found)
	require.GreaterOrEqual(t, testutil.ToFloat64(KeyRotationsTotal.WithLabelValues("sent")), 1.0)
}

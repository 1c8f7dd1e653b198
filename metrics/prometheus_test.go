package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(VerifyOutcome, map[string]string{"tier": "signature", "outcome": "verified"})
	rec.IncCounter(VerifyOutcome, map[string]string{"tier": "signature", "outcome": "verified"})
	rec.ObserveLatency(VerifyLatency, 20*time.Millisecond, nil)
	rec.SetGauge(PayerSpentTodayUSD, 0.42, nil)

	got := testutil.ToFloat64(rec.counters.With(prometheus.Labels{
		"type": VerifyOutcome, "tier": "signature", "outcome": "verified", "reason": "",
	}))
	assert.Equal(t, 2.0, got)
	assert.Equal(t, 0.42, testutil.ToFloat64(rec.gauges.With(withLabels("name", PayerSpentTodayUSD, nil))))

	// registering twice on the same registry fails
	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineCounters(t *testing.T) {
	InboundDeliveries.Reset()
	RelayAttempts.Reset()

	InboundDeliveries.WithLabelValues("stored").Inc()
	InboundDeliveries.WithLabelValues("stored").Inc()
	InboundDeliveries.WithLabelValues("unknown_recipient").Inc()
	RelayAttempts.WithLabelValues("local", "failure").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(InboundDeliveries.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(InboundDeliveries.WithLabelValues("unknown_recipient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RelayAttempts.WithLabelValues("local", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(InboundDeliveries))
}

func TestConnectionGauge(t *testing.T) {
	ConnectionsCurrent.Reset()
	g := ConnectionsCurrent.WithLabelValues("smtp")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, 1.0, testutil.ToFloat64(g))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(reportFailures)
	IncReportFailures()
	assert.Equal(t, before+1, testutil.ToFloat64(reportFailures))

	ObserveStart(62485, "ok")
	assert.GreaterOrEqual(t, testutil.ToFloat64(daemonStarts.WithLabelValues("62485", "ok")), 1.0)

	SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(online))
	SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(online))

	SetPort(65425)
	assert.Equal(t, 65425.0, testutil.ToFloat64(currentPort))
}

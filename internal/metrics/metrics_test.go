// ABOUTME: Tests for the metrics helpers
// ABOUTME: Reads counter values back with the prometheus testutil package

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(SendsTotal.WithLabelValues("matrix", ResultOK))
	RecordSend("matrix", "")
	assert.Equal(t, before+1, testutil.ToFloat64(SendsTotal.WithLabelValues("matrix", ResultOK)))

	beforeDenied := testutil.ToFloat64(SendsTotal.WithLabelValues("matrix", "PERMISSION_DENIED"))
	RecordSend("matrix", "PERMISSION_DENIED")
	assert.Equal(t, beforeDenied+1, testutil.ToFloat64(SendsTotal.WithLabelValues("matrix", "PERMISSION_DENIED")))
}

func TestRecordDelivery(t *testing.T) {
	ok := testutil.ToFloat64(InboxDeliveriesTotal.WithLabelValues(ResultOK))
	failed := testutil.ToFloat64(InboxDeliveriesTotal.WithLabelValues(ResultError))

	RecordDelivery(true)
	RecordDelivery(false)
	RecordDelivery(false)

	assert.Equal(t, ok+1, testutil.ToFloat64(InboxDeliveriesTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, failed+2, testutil.ToFloat64(InboxDeliveriesTotal.WithLabelValues(ResultError)))
}

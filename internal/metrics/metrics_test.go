package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBlockIngested(t *testing.T) {
	initial := testutil.ToFloat64(BlocksIngestedTotal.WithLabelValues("97"))

	RecordBlockIngested(97)

	assert.Equal(t, initial+1, testutil.ToFloat64(BlocksIngestedTotal.WithLabelValues("97")))
}

func TestRecordReorgDeletions(t *testing.T) {
	initial := testutil.ToFloat64(ReorgDeletionsTotal.WithLabelValues("56"))

	RecordReorgDeletions(56, 0)
	assert.Equal(t, initial, testutil.ToFloat64(ReorgDeletionsTotal.WithLabelValues("56")))

	RecordReorgDeletions(56, 3)
	assert.Equal(t, initial+3, testutil.ToFloat64(ReorgDeletionsTotal.WithLabelValues("56")))
}

func TestRecordQueueDispatched(t *testing.T) {
	RecordQueueDispatched(1, "sent")
	RecordQueueDispatched(1, "failed")

	assert.GreaterOrEqual(t, testutil.ToFloat64(QueueDispatchedTotal.WithLabelValues("1", "sent")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(QueueDispatchedTotal.WithLabelValues("1", "failed")), float64(1))
}

func TestRecordNotification(t *testing.T) {
	initial := testutil.ToFloat64(NotificationsTotal.WithLabelValues("delivered"))

	RecordNotification("delivered")

	assert.Equal(t, initial+1, testutil.ToFloat64(NotificationsTotal.WithLabelValues("delivered")))
}

func TestRecordLeaseWait(t *testing.T) {
	RecordLeaseWait("acquired", 0.02)
	assert.Equal(t, 1, testutil.CollectAndCount(LeaseWaitDuration))
}

func TestRecordJobExecution(t *testing.T) {
	initial := testutil.ToFloat64(JobExecutionsTotal.WithLabelValues("dispatch", "success"))

	RecordJobExecution("dispatch", "success", 0.2)
	RecordJobExecution("dispatch", "skipped", 0)

	assert.Equal(t, initial+1, testutil.ToFloat64(JobExecutionsTotal.WithLabelValues("dispatch", "success")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(JobExecutionsTotal.WithLabelValues("dispatch", "skipped")), float64(1))
}

func TestRecordClassifyRetry(t *testing.T) {
	initial := testutil.ToFloat64(ClassifyRetriesTotal.WithLabelValues("56", "dropped"))

	RecordClassifyRetry(56, "dropped")

	assert.Equal(t, initial+1, testutil.ToFloat64(ClassifyRetriesTotal.WithLabelValues("56", "dropped")))
}

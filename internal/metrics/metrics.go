package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evmx"

var (
	// ==================== Chain Monitor ====================

	// BlocksIngestedTotal 入库区块数
	BlocksIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "blocks_ingested_total",
		Help:      "Total number of blocks persisted by the monitor",
	}, []string{"chain_id"})

	// ReorgDeletionsTotal 因重组删除的未确认区块数
	ReorgDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "reorg_deletions_total",
		Help:      "Total number of unconfirmed blocks deleted by reorg cleanup",
	}, []string{"chain_id"})

	// RealignmentsTotal 补块次数
	RealignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "realignments_total",
		Help:      "Total number of realignment range fetches",
	}, []string{"chain_id"})

	// MonitorRestartsTotal 监控协程重启次数
	MonitorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "restarts_total",
		Help:      "Total number of monitor filter reinstalls and relaunches",
	}, []string{"chain_id", "reason"})

	// ==================== Confirmation ====================

	// BlocksConfirmedTotal 确认的区块数
	BlocksConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "confirmation",
		Name:      "blocks_confirmed_total",
		Help:      "Total number of blocks promoted to confirmed",
	}, []string{"chain_id"})

	// BlocksDiscardedTotal 因哈希不一致删除的区块数
	BlocksDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "confirmation",
		Name:      "blocks_discarded_total",
		Help:      "Total number of blocks deleted on hash mismatch",
	}, []string{"chain_id"})

	// ==================== Classifier ====================

	// TransactionsClassifiedTotal 入库交易数
	TransactionsClassifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "transactions_total",
		Help:      "Total number of accepted transactions by category",
	}, []string{"chain_id", "category"})

	// ClassifyRetriesTotal 转入重试队列及重试结果
	ClassifyRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "retries_total",
		Help:      "Total number of deferred classifications by outcome",
	}, []string{"chain_id", "outcome"})

	// ==================== Dispatcher ====================

	// QueueDispatchedTotal 队列发送结果
	QueueDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "queue_dispatched_total",
		Help:      "Total number of queue entries dispatched by status",
	}, []string{"chain_id", "status"})

	// ==================== Notifier ====================

	// NotificationsTotal 通知投递结果
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifier",
		Name:      "notifications_total",
		Help:      "Total number of webhook deliveries by status",
	}, []string{"status"})

	// ==================== Jobs ====================

	// JobExecutionsTotal 定时任务执行结果
	JobExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "executions_total",
		Help:      "Total number of scheduled job executions by status",
	}, []string{"job", "status"})

	// JobDuration 定时任务耗时
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Scheduled job duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	// ==================== Lease ====================

	// LeaseWaitDuration 账户租约等待耗时
	LeaseWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "wait_duration_seconds",
		Help:      "Account lease wait duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.02, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"result"})
)

func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// RecordBlockIngested 记录入库区块
func RecordBlockIngested(chainID int64) {
	BlocksIngestedTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordReorgDeletions 记录重组删除
func RecordReorgDeletions(chainID int64, n int) {
	if n > 0 {
		ReorgDeletionsTotal.WithLabelValues(chainLabel(chainID)).Add(float64(n))
	}
}

// RecordRealignment 记录补块
func RecordRealignment(chainID int64) {
	RealignmentsTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordMonitorRestart 记录监控重启
func RecordMonitorRestart(chainID int64, reason string) {
	MonitorRestartsTotal.WithLabelValues(chainLabel(chainID), reason).Inc()
}

// RecordBlockConfirmed 记录区块确认
func RecordBlockConfirmed(chainID int64) {
	BlocksConfirmedTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordBlockDiscarded 记录区块丢弃
func RecordBlockDiscarded(chainID int64) {
	BlocksDiscardedTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordTransactionClassified 记录交易分类
func RecordTransactionClassified(chainID int64, category string) {
	TransactionsClassifiedTotal.WithLabelValues(chainLabel(chainID), category).Inc()
}

// RecordClassifyRetry 记录分类重试, outcome 为 deferred、accepted、dropped、rescheduled
func RecordClassifyRetry(chainID int64, outcome string) {
	ClassifyRetriesTotal.WithLabelValues(chainLabel(chainID), outcome).Inc()
}

// RecordQueueDispatched 记录队列发送
func RecordQueueDispatched(chainID int64, status string) {
	QueueDispatchedTotal.WithLabelValues(chainLabel(chainID), status).Inc()
}

// RecordNotification 记录通知投递
func RecordNotification(status string) {
	NotificationsTotal.WithLabelValues(status).Inc()
}

// RecordLeaseWait 记录租约等待
func RecordLeaseWait(result string, seconds float64) {
	LeaseWaitDuration.WithLabelValues(result).Observe(seconds)
}

// RecordJobExecution 记录任务执行
func RecordJobExecution(job, status string, seconds float64) {
	JobExecutionsTotal.WithLabelValues(job, status).Inc()
	if seconds > 0 {
		JobDuration.WithLabelValues(job).Observe(seconds)
	}
}

// Handler 返回 Prometheus HTTP 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

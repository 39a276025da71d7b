package scheduler

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// Job 定时任务
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
	// RequiresLock 多实例部署时是否需要分布式锁
	RequiresLock() bool
	// LockTTL 锁的 TTL
	LockTTL() time.Duration
	// UseWatchdog 长任务在执行期间自动续期锁
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// ToJSON 转换为执行记录的 JSON 列
func (r *JobResult) ToJSON() datatypes.JSONMap {
	if r == nil {
		return nil
	}
	result := datatypes.JSONMap{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 任务公共属性
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建任务公共属性, lockTTL 为 0 表示不加锁
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (j BaseJob) Name() string           { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) RequiresLock() bool     { return j.lockTTL > 0 }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }
func (j BaseJob) UseWatchdog() bool      { return j.useWatchdog }

// 任务名称
const (
	JobNameDispatch       = "dispatch"
	JobNameNotify         = "notify"
	JobNameGatherDeposits = "gather-deposits"
	JobNameGatherInvoices = "gather-invoices"
	JobNameRetryClassify  = "retry-classify"
	JobNameCleanup        = "cleanup-executions"
)

// FrequentJobs 秒级调度的任务, 执行记录保留期较短
var FrequentJobs = []string{JobNameDispatch, JobNameNotify, JobNameRetryClassify}

// DefaultJobConfigs 任务默认超时与锁配置, 调度表达式来自配置文件
var DefaultJobConfigs = map[string]struct {
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}{
	JobNameDispatch: {
		Timeout: 30 * time.Second,
		LockTTL: 40 * time.Second,
	},
	JobNameNotify: {
		Timeout: 30 * time.Second,
		LockTTL: 40 * time.Second,
	},
	JobNameGatherDeposits: {
		Timeout:     5 * time.Minute,
		LockTTL:     time.Minute,
		UseWatchdog: true,
	},
	JobNameGatherInvoices: {
		Timeout: time.Minute,
		LockTTL: time.Minute,
	},
	JobNameRetryClassify: {
		Timeout: time.Minute,
		LockTTL: 70 * time.Second,
	},
	JobNameCleanup: {
		Timeout: 10 * time.Minute,
		LockTTL: 10 * time.Minute,
	},
}

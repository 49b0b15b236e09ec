package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"
)

// -----------------------------
// Job 定义
// -----------------------------
type JobKind string

const (
	JobGenerate   JobKind = "generate"   // 新提交计划的完整生成
	JobRecover    JobKind = "recover"    // 失败/取消计划从头重跑
	JobRegenerate JobKind = "regenerate" // 单个章节重新生成
)

type Job struct {
	Kind       JobKind
	PlanID     string
	SectionID  uint
	Force      bool // recover 时允许重新生成已完成的计划
	EnqueuedAt time.Time
	RetryCount int // 计划被其他作业占用而重新入队的次数
	MaxRetries int
	Timeout    time.Duration
}

func (j *Job) String() string {
	if j.Kind == JobRegenerate {
		return fmt.Sprintf("%s(plan=%s, section=%d)", j.Kind, j.PlanID, j.SectionID)
	}
	return fmt.Sprintf("%s(plan=%s)", j.Kind, j.PlanID)
}

// -----------------------------
// JobExecutor 接口
// -----------------------------
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job *Job) error
}

// JobAbandoner 执行器可选实现：作业最终无法分发时由执行器把对应记录置为可恢复状态
type JobAbandoner interface {
	AbandonJob(ctx context.Context, job *Job, reason error)
}

// -----------------------------
// Orchestrator
// -----------------------------
type Orchestrator struct {
	jobQueue    *jobQueue
	retryQueue  *jobQueue
	retryTicker *time.Ticker

	pool *ants.Pool
	// 有作业执行结束时通知等待空闲协程的分发方
	slotFreed     chan struct{}
	retryInterval time.Duration

	executor JobExecutor

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// 同一计划同一时间只允许一个作业执行
	activePlans map[string]JobKind
	activeMutex sync.Mutex
}

// -----------------------------
// 错误定义
// -----------------------------
var (
	ErrOrchestratorStopped = errors.New("orchestrator is stopped")
	ErrQueueFull           = errors.New("job queue is full")
	ErrPlanLocked          = errors.New("plan is locked by another job")
)

const (
	defaultJobTimeout = 30 * time.Minute
	// 等待计划锁的重新入队次数上限，按 500ms 间隔约 5 分钟，足够取消后正在收尾的批次结束
	defaultLockRetries = 600
)

// NewGenerateJob
// 说明：创建完整生成作业；作业本身不重跑，失败重试由流水线内部的重试编排负责
// MaxRetries 只约束等待计划锁的次数，协程池已满时作业一直排队直到有空闲协程
// 参数：planID 计划ID
// 返回：*Job 初始化后的作业
func NewGenerateJob(planID string) *Job {
	return &Job{
		Kind:       JobGenerate,
		PlanID:     planID,
		EnqueuedAt: time.Now(),
		MaxRetries: defaultLockRetries,
		Timeout:    defaultJobTimeout,
	}
}

// NewRecoverJob 创建恢复作业，总是从头执行
func NewRecoverJob(planID string, force bool) *Job {
	job := NewGenerateJob(planID)
	job.Kind = JobRecover
	job.Force = force
	return job
}

// NewRegenerateJob 创建单章节重新生成作业
func NewRegenerateJob(planID string, sectionID uint) *Job {
	job := NewGenerateJob(planID)
	job.Kind = JobRegenerate
	job.SectionID = sectionID
	job.Timeout = 10 * time.Minute
	return job
}

// -----------------------------
// 构造函数
// -----------------------------
func NewOrchestrator(maxWorkers, queueSize int, executor JobExecutor) (*Orchestrator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if queueSize <= 0 {
		queueSize = 120
	}
	jobQ := newJobQueue(queueSize)
	retryQ := newJobQueue(queueSize)

	pool, err := ants.NewPool(maxWorkers,
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(5*time.Minute),
	)
	if err != nil {
		klog.Errorf("ants pool initialization failed: %v", err)
		cancel()
		return nil, err
	}

	return &Orchestrator{
		jobQueue:      jobQ,
		retryQueue:    retryQ,
		retryTicker:   time.NewTicker(500 * time.Millisecond),
		pool:          pool,
		slotFreed:     make(chan struct{}, 1),
		retryInterval: 500 * time.Millisecond,
		activePlans:   make(map[string]JobKind),
		executor:      executor,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// -----------------------------
// 启动
// -----------------------------
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
	go o.processRetryQueue()
}

// -----------------------------
// 停止
// -----------------------------
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		klog.V(6).Infof("Orchestrator stopping...")

		// 1. 停止接收新作业；正在运行的作业 ctx 被取消，流水线在下一个检查点退出
		o.cancel()
		o.jobQueue.Close()
		o.retryQueue.Close()

		// 2. 等待运行中的作业退出
		runningJobs := o.pool.Running()
		if runningJobs > 0 {
			klog.V(6).Infof("Waiting for %d running jobs to exit", runningJobs)
		}
		timeout := 2 * time.Minute
		if err := o.pool.ReleaseTimeout(timeout); err != nil {
			klog.Warningf("Timeout after %v: some running jobs may be forced to stop", timeout)
		}

		// 3. 未执行的作业直接丢弃，对应计划保持 pending/regenerating，可通过 recover 重新触发
		if n := o.jobQueue.Len() + o.retryQueue.Len(); n > 0 {
			klog.Warningf("Orchestrator stopped with %d queued jobs dropped", n)
		}
		klog.V(6).Infof("Orchestrator stopped completely")
	})
}

// -----------------------------
// 入队作业
// -----------------------------
func (o *Orchestrator) EnqueueJob(job *Job) error {
	select {
	case <-o.ctx.Done():
		return ErrOrchestratorStopped
	default:
	}

	if err := o.jobQueue.Enqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			klog.Warningf("Job queue full: job=%s", job)
		}
		return err
	}
	klog.V(6).Infof("Job enqueued: job=%s", job)
	return nil
}

// -----------------------------
// 计划锁
// -----------------------------
func (o *Orchestrator) lockPlan(job *Job) bool {
	o.activeMutex.Lock()
	defer o.activeMutex.Unlock()
	if _, busy := o.activePlans[job.PlanID]; busy {
		return false
	}
	o.activePlans[job.PlanID] = job.Kind
	return true
}

func (o *Orchestrator) unlockPlan(planID string) {
	o.activeMutex.Lock()
	defer o.activeMutex.Unlock()
	delete(o.activePlans, planID)
}

// isPlanActive 计划是否有作业正在执行
func (o *Orchestrator) isPlanActive(planID string) bool {
	o.activeMutex.Lock()
	defer o.activeMutex.Unlock()
	_, ok := o.activePlans[planID]
	return ok
}

func (o *Orchestrator) releaseSlot() {
	select {
	case o.slotFreed <- struct{}{}:
	default:
	}
}

// -----------------------------
// Dispatch Loop
// -----------------------------
func (o *Orchestrator) dispatchLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
			job, ok := o.jobQueue.Dequeue()
			if !ok {
				continue
			}
			o.tryDispatch(job)
		}
	}
}

// -----------------------------
// Retry Queue Loop
// -----------------------------
func (o *Orchestrator) processRetryQueue() {
	defer o.retryTicker.Stop()
	// 增加协程级Panic防护，避免协程退出
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Retry queue loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.retryTicker.C:
			for n := o.retryQueue.Len(); n > 0; n-- {
				job, ok := o.retryQueue.Dequeue()
				if !ok {
					break
				}
				// 单个作业Panic不影响整个循环
				func() {
					defer func() {
						if r := recover(); r != nil {
							klog.Errorf("Retry dispatch panic: job=%s, err=%v", job, r)
						}
					}()
					o.tryDispatch(job)
				}()
			}
		}
	}
}

// -----------------------------
// Try Dispatch
// -----------------------------
// tryDispatch
// 说明：尝试把作业交给协程池执行
// 参数：job 待执行的作业
// 行为：协程池已满时阻塞等待空闲协程，作业不会因此被丢弃；
// 计划被其他作业占用时放入重试队列，等待次数耗尽后交给执行器收尾
func (o *Orchestrator) tryDispatch(job *Job) {
	for {
		if !o.lockPlan(job) {
			o.retryLocked(job)
			return
		}
		err := o.pool.Submit(func() {
			defer o.releaseSlot()
			defer o.unlockPlan(job.PlanID)
			o.executeJob(job)
		})
		if err == nil {
			return
		}
		o.unlockPlan(job.PlanID)

		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			klog.V(6).Infof("协程池已满，等待空闲协程: job=%s", job)
			if !o.waitForSlot() {
				klog.Warningf("编排器已停止，作业未执行: job=%s", job)
				return
			}
		case errors.Is(err, ants.ErrPoolClosed):
			klog.Warningf("编排器已停止，作业未执行: job=%s", job)
			return
		default:
			o.abandon(job, err)
			return
		}
	}
}

// waitForSlot 等待有作业结束或到达重试间隔；编排器停止时返回 false
func (o *Orchestrator) waitForSlot() bool {
	timer := time.NewTimer(o.retryInterval)
	defer timer.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-o.slotFreed:
		return true
	case <-timer.C:
		return true
	}
}

// retryLocked 计划被占用时重新入队
func (o *Orchestrator) retryLocked(job *Job) {
	job.RetryCount++
	if job.MaxRetries > 0 && job.RetryCount >= job.MaxRetries {
		o.abandon(job, fmt.Errorf("%w: waited %d times", ErrPlanLocked, job.RetryCount))
		return
	}
	klog.V(6).Infof("计划被其他作业占用，放入重试队列: job=%s, retry=%d/%d", job, job.RetryCount, job.MaxRetries)
	if err := o.retryQueue.Enqueue(job); err != nil {
		if errors.Is(err, ErrOrchestratorStopped) {
			return
		}
		o.abandon(job, fmt.Errorf("作业重试入队失败: %w", err))
	}
}

// abandon 放弃作业；执行器实现了 JobAbandoner 时由其把记录置为可恢复状态
func (o *Orchestrator) abandon(job *Job, reason error) {
	klog.Warningf("作业无法分发，放弃执行: job=%s, err=%v", job, reason)
	if a, ok := o.executor.(JobAbandoner); ok {
		a.AbandonJob(context.Background(), job, reason)
	}
}

// executeJob 执行一次作业；流水线失败已持久化到计划状态，这里不重跑
func (o *Orchestrator) executeJob(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Job panic recovered: job=%s, err=%v", job, r)
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := o.executor.ExecuteJob(ctx, job); err != nil {
		klog.Warningf("作业执行失败: job=%s, cost=%v, err=%v", job, time.Since(start), err)
		return
	}
	klog.V(6).Infof("Job completed: job=%s, cost=%v", job, time.Since(start))
}

// -----------------------------
// Queue Status
// -----------------------------
type QueueStatus struct {
	QueueLength   int `json:"queue_length"`
	RetryLength   int `json:"retry_length"`
	ActiveWorkers int `json:"active_workers"`
	ActivePlans   int `json:"active_plans"`
}

func (o *Orchestrator) GetQueueStatus() *QueueStatus {
	o.activeMutex.Lock()
	active := len(o.activePlans)
	o.activeMutex.Unlock()
	return &QueueStatus{
		QueueLength:   o.jobQueue.Len(),
		RetryLength:   o.retryQueue.Len(),
		ActiveWorkers: o.pool.Running(),
		ActivePlans:   active,
	}
}

// -----------------------------
// JobQueue (Ring Buffer) + Reject New
// -----------------------------
type jobQueue struct {
	maxSize int
	items   []*Job
	mutex   sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func newJobQueue(maxSize int) *jobQueue {
	q := &jobQueue{
		maxSize: maxSize,
		items:   make([]*Job, 0, maxSize),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *jobQueue) Enqueue(job *Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrOrchestratorStopped
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull // Reject New
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

func (q *jobQueue) Dequeue() (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mutex.Unlock()
}

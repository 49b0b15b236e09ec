package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
	"k8s.io/klog/v2"
)

// historyLimit 每个 (planID, step) 保留的失败上下文条数
const historyLimit = 10

// maxJitter 退避抖动上限（比例）
const maxJitter = 0.3

// Context 一次被保护操作的上下文
type Context struct {
	PlanID       string
	StepName     domain.StepName
	StepOrder    int
	Model        string
	Attempt      int
	ErrorKind    ErrorKind
	ErrorMessage string
}

// RetryExhaustedError 重试与兜底均失败
type RetryExhaustedError struct {
	Context     Context
	Err         error // 主模型最后一次失败
	FallbackErr error // 兜底模型失败，未执行兜底时为 nil
}

func (e *RetryExhaustedError) Error() string {
	msg := fmt.Sprintf("step %s failed after %d attempts (%s): %v", e.Context.StepName, e.Context.Attempt, e.Context.ErrorKind, e.Err)
	if e.FallbackErr != nil {
		msg += fmt.Sprintf("; fallback %s failed: %v", e.Context.Model, e.FallbackErr)
	}
	return msg
}

func (e *RetryExhaustedError) Unwrap() []error {
	if e.FallbackErr != nil {
		return []error{e.Err, e.FallbackErr}
	}
	return []error{e.Err}
}

// ErrorKind 以最后一次失败的分类对外暴露
func (e *RetryExhaustedError) ErrorKind() ErrorKind {
	return e.Context.ErrorKind
}

// LogAppender 尝试日志的写入方
type LogAppender interface {
	Append(ctx context.Context, entry *model.GenerationLog) error
}

// Sleeper 可被 ctx 打断的等待
type Sleeper func(ctx context.Context, d time.Duration) error

type historyKey struct {
	planID string
	step   domain.StepName
}

// Orchestrator 按阶段策略执行重试、退避与模型兜底
type Orchestrator struct {
	policies map[domain.StepName]Policy
	logs     LogAppender
	sleep    Sleeper
	jitter   func() float64

	historyMu sync.Mutex
	history   map[historyKey][]Context
}

type Option func(*Orchestrator)

// WithPolicies 覆盖部分阶段的策略
func WithPolicies(policies map[domain.StepName]Policy) Option {
	return func(o *Orchestrator) {
		for step, p := range policies {
			o.policies[step] = p
		}
	}
}

func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		o.sleep = s
	}
}

// WithJitter 注入抖动来源，返回值应位于 [0, 1)
func WithJitter(f func() float64) Option {
	return func(o *Orchestrator) {
		o.jitter = f
	}
}

// NewOrchestrator 创建重试编排器，logs 可为空
func NewOrchestrator(logs LogAppender, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policies: DefaultPolicies(),
		logs:     logs,
		sleep:    sleepContext,
		jitter:   rand.Float64,
		history:  make(map[historyKey][]Context),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PolicyFor 返回阶段策略，未登记时使用 DefaultPolicy
func (o *Orchestrator) PolicyFor(step domain.StepName) Policy {
	if p, ok := o.policies[step]; ok {
		return p
	}
	return DefaultPolicy
}

// Delay 第 attempt 次尝试（从 1 开始）之前的等待时长
func (o *Orchestrator) Delay(p Policy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if !p.ExponentialBackoff {
		return p.BaseDelay
	}
	j := o.jitter() * maxJitter
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-2)) * (1 + j)
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Operation 被保护的调用，model 为本次尝试应使用的模型
type Operation func(ctx context.Context, model string) error

// Do 执行 op，失败时按策略重试；重试耗尽或不可重试时尝试一次兜底模型
func (o *Orchestrator) Do(ctx context.Context, rc Context, op Operation) error {
	policy := o.PolicyFor(rc.StepName)
	maxAttempts := policy.MaxRetries + 1

	var lastErr error
	last := rc
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cur := rc
		cur.Attempt = attempt

		if attempt > 1 {
			delay := o.Delay(policy, attempt)
			klog.V(6).Infof("[Retry] 等待重试: planID=%s, step=%s, attempt=%d, delay=%v", rc.PlanID, rc.StepName, attempt, delay)
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
		}

		start := time.Now()
		err := op(ctx, cur.Model)
		duration := time.Since(start)
		if err == nil {
			o.record(ctx, cur, model.LogStatusCompleted, duration, attempt-1)
			if attempt > 1 {
				klog.V(6).Infof("[Retry] 重试成功: planID=%s, step=%s, attempt=%d", rc.PlanID, rc.StepName, attempt)
			}
			return nil
		}

		cur.ErrorKind = Classify(err)
		cur.ErrorMessage = err.Error()
		lastErr, last = err, cur
		o.remember(cur)

		if ctx.Err() != nil {
			o.record(ctx, cur, model.LogStatusFailed, duration, attempt-1)
			return ctx.Err()
		}

		if !cur.ErrorKind.Retryable() {
			klog.Warningf("[Retry] 不可重试错误: planID=%s, step=%s, kind=%s, err=%v", rc.PlanID, rc.StepName, cur.ErrorKind, err)
			o.record(ctx, cur, model.LogStatusFailed, duration, attempt-1)
			break
		}
		if attempt == maxAttempts {
			klog.Warningf("[Retry] 重试次数耗尽: planID=%s, step=%s, attempts=%d, err=%v", rc.PlanID, rc.StepName, attempt, err)
			o.record(ctx, cur, model.LogStatusFailed, duration, attempt-1)
			break
		}
		klog.V(6).Infof("[Retry] 尝试失败，准备重试: planID=%s, step=%s, attempt=%d, kind=%s", rc.PlanID, rc.StepName, attempt, cur.ErrorKind)
		o.record(ctx, cur, model.LogStatusRetrying, duration, attempt-1)
	}

	if policy.FallbackModel == "" {
		return &RetryExhaustedError{Context: last, Err: lastErr}
	}

	fb := last
	fb.Model = policy.FallbackModel
	fb.Attempt = last.Attempt + 1
	fb.ErrorKind = ""
	fb.ErrorMessage = ""
	klog.Infof("[Retry] 切换兜底模型: planID=%s, step=%s, from=%s, to=%s", rc.PlanID, rc.StepName, rc.Model, fb.Model)
	// 兜底尝试本身单独记一条，结果另记一条
	o.record(ctx, fb, model.LogStatusRunning, 0, fb.Attempt-1)

	start := time.Now()
	err := op(ctx, fb.Model)
	duration := time.Since(start)
	if err == nil {
		o.record(ctx, fb, model.LogStatusCompleted, duration, fb.Attempt-1)
		return nil
	}

	fb.ErrorKind = Classify(err)
	fb.ErrorMessage = err.Error()
	o.remember(fb)
	o.record(ctx, fb, model.LogStatusFailed, duration, fb.Attempt-1)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &RetryExhaustedError{Context: fb, Err: lastErr, FallbackErr: err}
}

// Execute 带返回值的 Do
func Execute[T any](ctx context.Context, o *Orchestrator, rc Context, op func(ctx context.Context, model string) (T, error)) (T, error) {
	var result T
	err := o.Do(ctx, rc, func(ctx context.Context, model string) error {
		v, err := op(ctx, model)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// record 写入尝试日志；写入失败只记录，不影响调用结果
func (o *Orchestrator) record(ctx context.Context, rc Context, status string, duration time.Duration, retryCount int) {
	if o.logs == nil {
		return
	}
	entry := &model.GenerationLog{
		PlanID:       rc.PlanID,
		StepName:     string(rc.StepName),
		StepOrder:    rc.StepOrder,
		Model:        rc.Model,
		Status:       status,
		DurationMs:   duration.Milliseconds(),
		ErrorKind:    string(rc.ErrorKind),
		ErrorMessage: truncate(rc.ErrorMessage, 2000),
		RetryCount:   retryCount,
	}
	// 即使调用方 ctx 已取消也要落盘
	if err := o.logs.Append(context.WithoutCancel(ctx), entry); err != nil {
		klog.Errorf("[Retry] 写入生成日志失败: planID=%s, step=%s, err=%v", rc.PlanID, rc.StepName, err)
	}
}

func (o *Orchestrator) remember(rc Context) {
	key := historyKey{planID: rc.PlanID, step: rc.StepName}
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	h := append(o.history[key], rc)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	o.history[key] = h
}

// History 返回最近的失败上下文副本，旧的在前
func (o *Orchestrator) History(planID string, step domain.StepName) []Context {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	h := o.history[historyKey{planID: planID, step: step}]
	out := make([]Context, len(h))
	copy(out, h)
	return out
}

// ClearHistory 清理某个计划书的全部历史
func (o *Orchestrator) ClearHistory(planID string) {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	for key := range o.history {
		if key.planID == planID {
			delete(o.history, key)
		}
	}
}

// IsExhausted 判断错误是否来自重试耗尽
func IsExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
)

type memLogs struct {
	mu      sync.Mutex
	entries []model.GenerationLog
	err     error
}

func (m *memLogs) Append(ctx context.Context, entry *model.GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memLogs) statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Status)
	}
	return out
}

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) HTTPStatus() int { return e.code }

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(logs LogAppender, policies map[domain.StepName]Policy) (*Orchestrator, *recordingSleeper) {
	s := &recordingSleeper{}
	o := NewOrchestrator(logs,
		WithPolicies(policies),
		WithSleeper(s.sleep),
		WithJitter(func() float64 { return 0 }),
	)
	return o, s
}

var noFallback = Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second, ExponentialBackoff: true}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	logs := &memLogs{}
	o, s := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepOutline: noFallback})

	calls := 0
	err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline, Model: "gpt-4o"}, func(ctx context.Context, m string) error {
		calls++
		assert.Equal(t, "gpt-4o", m)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.delays)
	assert.Equal(t, []string{model.LogStatusCompleted}, logs.statuses())
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	logs := &memLogs{}
	o, s := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepOutline: noFallback})

	calls := 0
	err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline, Model: "gpt-4o"}, func(ctx context.Context, m string) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
	assert.Equal(t, []string{model.LogStatusRetrying, model.LogStatusRetrying, model.LogStatusCompleted}, logs.statuses())

	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.Equal(t, 2, logs.entries[2].RetryCount)
	assert.Equal(t, string(KindNetwork), logs.entries[0].ErrorKind)
}

func TestDoExhaustsWithoutFallback(t *testing.T) {
	logs := &memLogs{}
	o, _ := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepOutline: noFallback})

	calls := 0
	cause := statusErr{code: 429, msg: "too many requests"}
	err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline, Model: "gpt-4o"}, func(ctx context.Context, m string) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)

	var re *RetryExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 4, re.Context.Attempt)
	assert.Equal(t, KindRateLimit, re.Context.ErrorKind)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, re.FallbackErr)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, KindRateLimit, Classify(err))
}

func TestDoUsesFallbackAfterExhaustion(t *testing.T) {
	logs := &memLogs{}
	withFallback := noFallback
	withFallback.FallbackModel = "gpt-4o-mini"
	o, _ := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepSectionDraft: withFallback})

	var models []string
	out, err := Execute(context.Background(), o, Context{PlanID: "p1", StepName: domain.StepSectionDraft, Model: "gpt-4o"}, func(ctx context.Context, m string) (string, error) {
		models = append(models, m)
		if m == "gpt-4o" {
			return "", errors.New("provider error (status 503): overloaded")
		}
		return "draft", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", out)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o", "gpt-4o", "gpt-4o", "gpt-4o-mini"}, models)

	st := logs.statuses()
	require.Len(t, st, 6)
	assert.Equal(t, model.LogStatusFailed, st[3])
	assert.Equal(t, model.LogStatusRunning, st[4])
	assert.Equal(t, model.LogStatusCompleted, st[5])
	logs.mu.Lock()
	assert.Equal(t, "gpt-4o-mini", logs.entries[4].Model)
	assert.Equal(t, 4, logs.entries[4].RetryCount)
	assert.Empty(t, logs.entries[4].ErrorKind)
	assert.Equal(t, "gpt-4o-mini", logs.entries[5].Model)
	logs.mu.Unlock()
}

func TestDoFallbackFailureReturnsBothErrors(t *testing.T) {
	withFallback := noFallback
	withFallback.FallbackModel = "gpt-4o-mini"
	o, _ := newTestOrchestrator(nil, map[domain.StepName]Policy{domain.StepRefinement: withFallback})

	primary := errors.New("primary down: network unreachable")
	secondary := errors.New("fallback down: network unreachable")
	calls := 0
	err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepRefinement, Model: "gpt-4o"}, func(ctx context.Context, m string) error {
		calls++
		if m == "gpt-4o-mini" {
			return secondary
		}
		return primary
	})
	assert.Equal(t, 5, calls)
	var re *RetryExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "gpt-4o-mini", re.Context.Model)
	assert.Equal(t, 5, re.Context.Attempt)
	assert.ErrorIs(t, err, primary)
	assert.ErrorIs(t, err, secondary)
}

func TestDoNonRetryable(t *testing.T) {
	tests := []struct {
		name     string
		fallback string
		want     int
	}{
		{name: "without fallback", want: 1},
		{name: "with fallback", fallback: "gpt-4o-mini", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := noFallback
			p.FallbackModel = tt.fallback
			logs := &memLogs{}
			o, s := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepOutline: p})

			calls := 0
			err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline, Model: "gpt-4o"}, func(ctx context.Context, m string) error {
				calls++
				return errors.New("Your request was rejected by the safety system: content_filter")
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, calls)
			assert.Empty(t, s.delays)
			var re *RetryExhaustedError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, KindContentFilter, re.Context.ErrorKind)
		})
	}
}

func TestDoLogFailureDoesNotAbort(t *testing.T) {
	logs := &memLogs{err: errors.New("database is locked")}
	o, _ := newTestOrchestrator(logs, map[domain.StepName]Policy{domain.StepOutline: noFallback})

	calls := 0
	err := o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline}, func(ctx context.Context, m string) error {
		calls++
		if calls == 1 {
			return errors.New("request timed out")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(nil, map[domain.StepName]Policy{domain.StepOutline: noFallback})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := o.Do(ctx, Context{PlanID: "p1", StepName: domain.StepOutline}, func(ctx context.Context, m string) error {
		calls++
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.False(t, IsExhausted(err))
}

func TestDelayBackoff(t *testing.T) {
	o := NewOrchestrator(nil, WithJitter(func() float64 { return 0 }))
	p := Policy{MaxRetries: 10, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second, ExponentialBackoff: true}

	assert.Equal(t, time.Duration(0), o.Delay(p, 1))
	prev := time.Duration(0)
	for attempt := 2; attempt <= 10; attempt++ {
		d := o.Delay(p, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 2*time.Second, o.Delay(p, 2))
	assert.Equal(t, 8*time.Second, o.Delay(p, 4))
	assert.Equal(t, 20*time.Second, o.Delay(p, 6))

	flat := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, o.Delay(flat, 5))
}

func TestDelayJitterBounded(t *testing.T) {
	o := NewOrchestrator(nil, WithJitter(func() float64 { return 0.999 }))
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, ExponentialBackoff: true}
	d := o.Delay(p, 2)
	assert.Greater(t, d, time.Second)
	assert.Less(t, d, 1300*time.Millisecond)
}

func TestPolicyForDefaults(t *testing.T) {
	o := NewOrchestrator(nil)
	assert.Equal(t, DefaultPolicy, o.PolicyFor("unknown_step"))
	assert.Equal(t, "gpt-4o-mini", o.PolicyFor(domain.StepOutline).FallbackModel)
	assert.Empty(t, o.PolicyFor(domain.StepWebSearch).FallbackModel)
}

func TestHistoryBounded(t *testing.T) {
	o, _ := newTestOrchestrator(nil, map[domain.StepName]Policy{domain.StepOutline: {MaxRetries: 14}})

	_ = o.Do(context.Background(), Context{PlanID: "p1", StepName: domain.StepOutline}, func(ctx context.Context, m string) error {
		return errors.New("network unreachable")
	})
	h := o.History("p1", domain.StepOutline)
	require.Len(t, h, historyLimit)
	assert.Equal(t, 15, h[len(h)-1].Attempt)
	assert.Equal(t, 6, h[0].Attempt)

	o.ClearHistory("p1")
	assert.Empty(t, o.History("p1", domain.StepOutline))
}

type kindedErr struct{}

func (kindedErr) Error() string        { return "custom" }
func (kindedErr) ErrorKind() ErrorKind { return KindQuotaExceeded }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "op failed" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{kindedErr{}, KindQuotaExceeded},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindTimeout},
		{timeoutErr{}, KindTimeout},
		{errors.New("You exceeded your current quota (insufficient_quota)"), KindQuotaExceeded},
		{errors.New("Rate limit reached for gpt-4o"), KindRateLimit},
		{errors.New("provider error (status 429): slow down"), KindRateLimit},
		{errors.New("error, status code: 502, upstream closed"), KindModelError},
		{errors.New("HTTP 400: unsupported parameter"), KindValidation},
		{errors.New("upstream error (status 503): reply truncated at 400 tokens"), KindModelError},
		{errors.New("reply truncated at 400 tokens"), KindSystem},
		{errors.New("dial tcp: lookup api.example.com: no such host"), KindNetwork},
		{errors.New("read: connection reset by peer"), KindNetwork},
		{errors.New("response was flagged by content_filter"), KindContentFilter},
		{errors.New("invalid request: messages must not be empty"), KindValidation},
		{errors.New("The server is overloaded"), KindModelError},
		{statusErr{code: 503, msg: "upstream unavailable"}, KindModelError},
		{statusErr{code: 422, msg: "unprocessable"}, KindValidation},
		{statusErr{code: 504, msg: "gateway"}, KindTimeout},
		{errors.New("something odd happened"), KindSystem},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, ErrorKind(""), Classify(nil))
}

func TestRetryableKinds(t *testing.T) {
	for _, k := range []ErrorKind{KindNetwork, KindRateLimit, KindTimeout, KindModelError, KindSystem} {
		assert.True(t, k.Retryable(), k)
	}
	for _, k := range []ErrorKind{KindQuotaExceeded, KindContentFilter, KindValidation} {
		assert.False(t, k.Retryable(), k)
	}
}

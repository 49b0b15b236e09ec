package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// RateLimiterPool 按模型维护令牌桶
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetOrCreate 获取或创建模型的限流器，rpm 只在首次创建时生效
func (p *RateLimiterPool) GetOrCreate(modelName string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[modelName]; ok {
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 5
	if burst < 3 {
		burst = 3
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelName] = limiter
	klog.V(6).Infof("创建模型限流器: model=%s, rpm=%d, burst=%d", modelName, requestsPerMinute, burst)
	return limiter
}

// Wait 阻塞直到允许下一次请求，requestsPerMinute<=0 时不限流
func (p *RateLimiterPool) Wait(ctx context.Context, modelName string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return nil
	}
	return p.GetOrCreate(modelName, requestsPerMinute).Wait(ctx)
}

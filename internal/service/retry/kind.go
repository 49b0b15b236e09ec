package retry

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindNetwork       ErrorKind = "network"
	KindRateLimit     ErrorKind = "rateLimit"
	KindQuotaExceeded ErrorKind = "quotaExceeded"
	KindModelError    ErrorKind = "modelError"
	KindContentFilter ErrorKind = "contentFilter"
	KindTimeout       ErrorKind = "timeout"
	KindValidation    ErrorKind = "validation"
	KindSystem        ErrorKind = "system"
)

// Retryable quotaExceeded / contentFilter / validation 直接失败
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindTimeout, KindModelError, KindSystem:
		return true
	default:
		return false
	}
}

// Kinded 能够自我分类的错误
type Kinded interface {
	ErrorKind() ErrorKind
}

type httpStatusError interface {
	HTTPStatus() int
}

type providerTimeout interface {
	IsTimeout() bool
}

type netTimeout interface {
	Timeout() bool
}

type keywordRule struct {
	kind     ErrorKind
	keywords []string
}

// keywordTable 按顺序匹配，先命中者生效
var keywordTable = []keywordRule{
	{KindQuotaExceeded, []string{"insufficient_quota", "quota", "billing", "credit balance"}},
	{KindContentFilter, []string{"content_filter", "content filter", "content policy", "safety system", "flagged"}},
	{KindRateLimit, []string{"rate limit", "rate_limit", "ratelimit", "too many requests"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded", "etimedout"}},
	{KindNetwork, []string{"econnreset", "econnrefused", "enotfound", "connection reset", "connection refused", "no such host", "network", "fetch failed", "broken pipe", "unexpected eof"}},
	{KindValidation, []string{"invalid", "validation", "bad request", "malformed", "context_length_exceeded", "maximum context length"}},
	{KindModelError, []string{"overloaded", "server error", "bad gateway", "service unavailable", "model"}},
}

// statusPattern 从错误文本中提取状态码，只认 "status 429"、"status code: 503" 这类写法，
// 避免 "400 tokens" 这样的数字被当成状态码
var statusPattern = regexp.MustCompile(`(?i)\b(?:status(?:\s+code)?|http)\s*[:=]?\s*(\d{3})\b`)

func statusFromMessage(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// Classify 将任意错误映射到固定分类
// 顺序：错误自身声明的分类 > 超时判定 > 关键字表 > HTTP 状态码 > 文本中的状态码 > system
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		if k := kinded.ErrorKind(); k != "" {
			return k
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var pt providerTimeout
	if errors.As(err, &pt) && pt.IsTimeout() {
		return KindTimeout
	}
	var nt netTimeout
	if errors.As(err, &nt) && nt.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordTable {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.kind
			}
		}
	}

	var se httpStatusError
	if errors.As(err, &se) {
		if k := kindForStatus(se.HTTPStatus()); k != "" {
			return k
		}
	}
	if k := kindForStatus(statusFromMessage(msg)); k != "" {
		return k
	}

	return KindSystem
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 402:
		return KindQuotaExceeded
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindModelError
	case status >= 400:
		return KindValidation
	default:
		return ""
	}
}

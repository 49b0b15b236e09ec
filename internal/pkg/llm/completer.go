package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Completer 对模型的唯一调用能力：给定 prompt 与模型名，返回文本
type Completer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// CompleterFunc 函数适配器
type CompleterFunc func(ctx context.Context, prompt, model string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// ProviderError 模型提供方返回的错误
type ProviderError struct {
	StatusCode int
	Message    string
	Timeout    bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// HTTPStatus 返回 HTTP 状态码，未知时为 0
func (e *ProviderError) HTTPStatus() int {
	return e.StatusCode
}

// IsTimeout 是否为调用超时
func (e *ProviderError) IsTimeout() bool {
	return e.Timeout
}

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// parseStatusCode 从 SDK 错误信息中提取 HTTP 状态码
func parseStatusCode(msg string) int {
	matches := statusCodePattern.FindStringSubmatch(msg)
	if len(matches) < 2 {
		return 0
	}
	code, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return code
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/weibaohui/bizplan/config"
	"k8s.io/klog/v2"
)

const systemPrompt = "You are an experienced business plan consultant. Write clear, factual, well-structured content in the requested format."

// ChatModelFactory 按模型名创建底层 ChatModel
type ChatModelFactory func(ctx context.Context, modelName string) (model.BaseChatModel, error)

// EinoCompleter 基于 Eino OpenAI ChatModel 的 Completer 实现
type EinoCompleter struct {
	cfg      config.LLMConfig
	factory  ChatModelFactory
	limiters *RateLimiterPool

	modelCache      map[string]model.BaseChatModel
	modelCacheMutex sync.RWMutex
}

// NewEinoCompleter 创建 Completer，模型实例按名称懒加载并缓存
func NewEinoCompleter(cfg config.LLMConfig) *EinoCompleter {
	return NewEinoCompleterWithFactory(cfg, openAIFactory(cfg))
}

func NewEinoCompleterWithFactory(cfg config.LLMConfig, factory ChatModelFactory) *EinoCompleter {
	return &EinoCompleter{
		cfg:        cfg,
		factory:    factory,
		limiters:   NewRateLimiterPool(),
		modelCache: make(map[string]model.BaseChatModel),
	}
}

func openAIFactory(cfg config.LLMConfig) ChatModelFactory {
	return func(ctx context.Context, modelName string) (model.BaseChatModel, error) {
		klog.V(6).Infof("[EinoCompleter] 创建 OpenAI ChatModel: model=%s, baseURL=%s", modelName, cfg.APIURL)
		chatCfg := &openai.ChatModelConfig{
			APIKey: cfg.APIKey,
			Model:  modelName,
		}
		if cfg.APIURL != "" {
			chatCfg.BaseURL = cfg.APIURL
		}
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			chatCfg.MaxTokens = &maxTokens
		}
		return openai.NewChatModel(ctx, chatCfg)
	}
}

func (c *EinoCompleter) getModel(ctx context.Context, modelName string) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = c.cfg.Model
	}

	c.modelCacheMutex.RLock()
	cm, ok := c.modelCache[modelName]
	c.modelCacheMutex.RUnlock()
	if ok {
		return cm, nil
	}

	cm, err := c.factory(ctx, modelName)
	if err != nil {
		klog.Errorf("[EinoCompleter] 创建 ChatModel 失败: model=%s, err=%v", modelName, err)
		return nil, err
	}

	c.modelCacheMutex.Lock()
	c.modelCache[modelName] = cm
	c.modelCacheMutex.Unlock()
	return cm, nil
}

// Complete 调用一次模型，超时由 cfg.TimeoutSeconds 控制
func (c *EinoCompleter) Complete(ctx context.Context, prompt, modelName string) (string, error) {
	if modelName == "" {
		modelName = c.cfg.Model
	}
	if err := c.limiters.Wait(ctx, modelName, c.cfg.RequestsPerMinute); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	cm, err := c.getModel(ctx, modelName)
	if err != nil {
		return "", &ProviderError{Message: err.Error()}
	}

	timeout := c.cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := cm.Generate(callCtx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		klog.Warningf("[EinoCompleter] Generate 失败: model=%s, cost=%v, err=%v", modelName, time.Since(start), err)
		return "", toProviderError(callCtx, ctx, err, timeout)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", &ProviderError{StatusCode: 502, Message: "empty response from model"}
	}

	klog.V(6).Infof("[EinoCompleter] Generate 完成: model=%s, cost=%v, responseLength=%d", modelName, time.Since(start), len(resp.Content))
	return resp.Content, nil
}

// toProviderError 将 SDK 错误归一为 ProviderError；上层 ctx 取消时原样返回
func toProviderError(callCtx, parent context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Timeout: true, Message: fmt.Sprintf("request timed out after %v", timeout)}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	msg := err.Error()
	return &ProviderError{StatusCode: parseStatusCode(msg), Message: msg}
}

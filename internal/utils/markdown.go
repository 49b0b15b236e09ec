package utils

import (
	"strings"

	"k8s.io/klog/v2"
)

const codeFence = "```"

// ExtractMarkdown 去掉模型回复外层的 ```markdown 代码块
// 没有成对代码块时返回去除首尾空白的原始内容
func ExtractMarkdown(content string) string {
	start := strings.Index(content, codeFence)
	if start < 0 {
		return strings.TrimSpace(content)
	}

	// 跳过语言标识所在的整行
	body := content[start+len(codeFence):]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return strings.TrimSpace(content)
	}
	lang := strings.TrimSpace(body[:nl])
	if lang != "" && !strings.EqualFold(lang, "markdown") && !strings.EqualFold(lang, "md") {
		// 其他语言的代码块属于正文
		return strings.TrimSpace(content)
	}
	body = body[nl+1:]

	end := strings.LastIndex(body, codeFence)
	if end < 0 {
		klog.V(6).Infof("[ExtractMarkdown] 代码块未闭合，返回原始内容")
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(body[:end])
}

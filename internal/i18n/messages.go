// Package i18n localizes API error messages to zh-CN. Ad-hoc ASCII
// messages produced deep in the stack are mapped through a known
// phrase table before emission.
package i18n

import (
	"strings"

	"github.com/user/pixrand-go/internal/models"
)

// codeMessages maps every error code onto its user-facing message.
var codeMessages = map[models.ErrorCode]string{
	models.CodeBadRequest:          "请求参数无效",
	models.CodeUnauthorized:        "未授权，请先登录",
	models.CodeForbidden:           "没有权限执行此操作",
	models.CodeNotFound:            "资源不存在",
	models.CodeRateLimited:         "请求过于频繁，请稍后再试",
	models.CodeInternalError:       "服务器内部错误",
	models.CodeNoMatch:             "没有符合条件的图片",
	models.CodeUpstreamStreamError: "上游图片获取失败",
	models.CodeUpstream403:         "上游拒绝访问（403）",
	models.CodeUpstream404:         "上游图片不存在（404）",
	models.CodeUpstreamRateLimit:   "上游限流，请稍后再试",
	models.CodeInvalidUploadType:   "不支持的上传类型",
	models.CodePayloadTooLarge:     "请求体过大",
	models.CodeUnsupportedURL:      "不支持的图片链接格式",
	models.CodeTokenRefreshFailed:  "上游凭据刷新失败",
	models.CodeTokenBackoff:        "上游凭据处于退避期",
	models.CodeNoTokenAvailable:    "暂无可用的上游凭据",
	models.CodeProxyRequired:       "需要配置出口代理",
	models.CodeProxyAuthFailed:     "代理认证失败",
	models.CodeProxyConnectFailed:  "代理连接失败",
}

// knownPhrases maps recurring ASCII fragments onto localized text.
// Matching is case-insensitive substring.
var knownPhrases = []struct {
	fragment string
	message  string
}{
	{"rate limit", "上游限流，请稍后再试"},
	{"connection refused", "连接被拒绝"},
	{"connection reset", "连接被重置"},
	{"timeout", "请求超时"},
	{"no such host", "无法解析主机名"},
	{"proxy authentication", "代理认证失败"},
	{"certificate", "证书校验失败"},
	{"database is locked", "存储繁忙，请稍后再试"},
}

// Message returns the localized message for an AppError. Ad-hoc
// messages pass through the phrase table; unknown text falls back to
// the code's canonical message.
func Message(err *models.AppError) string {
	if err.Message != "" && !isASCII(err.Message) {
		return err.Message
	}
	if err.Message != "" {
		lower := strings.ToLower(err.Message)
		for _, p := range knownPhrases {
			if strings.Contains(lower, p.fragment) {
				return p.message
			}
		}
	}
	if msg, ok := codeMessages[err.Code]; ok {
		return msg
	}
	return codeMessages[models.CodeInternalError]
}

// NoMatchHints builds the suggestion list attached to NO_MATCH
// responses given the filters that were applied.
func NoMatchHints(applied map[string]any) []string {
	hints := []string{"尝试放宽筛选条件"}
	if _, ok := applied["included_tags"]; ok {
		hints = append(hints, "减少包含的标签数量")
	}
	if _, ok := applied["min_width"]; ok {
		hints = append(hints, "降低最小宽度要求")
	}
	if _, ok := applied["min_height"]; ok {
		hints = append(hints, "降低最小高度要求")
	}
	if _, ok := applied["min_bookmarks"]; ok {
		hints = append(hints, "降低最小收藏数要求")
	}
	if r18, ok := applied["r18"]; ok && r18 != 2 {
		hints = append(hints, "调整 r18 过滤条件")
	}
	return hints
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

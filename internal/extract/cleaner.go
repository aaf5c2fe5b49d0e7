package extract

import (
	"regexp"
	"strings"
)

// 模型输出里夹带的诊断日志与控制标记
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`<\|[A-Za-z_]+\|>`),
	regexp.MustCompile(`(?m)^[ \t]*\[(?:DEBUG|INFO|WARN|WARNING|TRACE)\][^\n]*$`),
	regexp.MustCompile(`(?m)^[ \t]*\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?[ \t]+(?:-[ \t]+)?(?:DEBUG|INFO|WARN|WARNING|ERROR|TRACE)\b[^\n]*$`),
	regexp.MustCompile(`(?m)^[ \t]*(?:DEBUG|TRACE)[ \t]*[:：][^\n]*$`),
	regexp.MustCompile(`(?m)^[ \t]*(?:msg_type|from_module|from_unit|plugin_id|tool_call_id)[ \t]*[:=][^\n]*$`),
	regexp.MustCompile(`(?m)^[ \t]*(?:正在调用插件|插件调用|调用工具|Function call|Tool call)[^\n]*$`),
}

var trailingSpacePattern = regexp.MustCompile(`(?m)[ \t]+$`)

// CleanNoise 去掉诊断日志行与控制标记，并规整空白。重复调用结果不变。
func CleanNoise(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(text, "\r\n", "\n")
	for _, pattern := range noisePatterns {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = trailingSpacePattern.ReplaceAllString(cleaned, "")
	return normalizeProse(cleaned)
}

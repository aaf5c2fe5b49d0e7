// 本文件用于把混合文本拆分为 JSON 片段与正文
package extract

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"knowledge-card/internal/logger"
)

// ObjectKind JSON 片段分类
type ObjectKind string

const (
	ObjectToolCall ObjectKind = "tool_call"
	ObjectResponse ObjectKind = "response"
	ObjectError    ObjectKind = "error"
)

// Object 从文本中取出的一个 JSON 片段
type Object struct {
	Kind   ObjectKind     `json:"kind"`
	Raw    string         `json:"raw"`
	Fields map[string]any `json:"fields,omitempty"`
	Start  int            `json:"start"`
	End    int            `json:"end"`
}

// Bundle 混合文本拆分结果
type Bundle struct {
	ToolCalls []Object `json:"toolCalls"`
	Responses []Object `json:"responses"`
	Errors    []Object `json:"errors"`
	Prose     string   `json:"prose"`
	// Residue 兜底启发式截掉的开头残片，保留以免丢内容
	Residue string `json:"residue,omitempty"`
}

// ObjectCount 片段总数
func (b Bundle) ObjectCount() int {
	return len(b.ToolCalls) + len(b.Responses) + len(b.Errors)
}

type span struct {
	start, end int
}

var (
	// 形如 [ERROR] xxx 的错误报告行，或只有 code/msg 的扁平错误包
	errorEnvelopePattern = regexp.MustCompile(
		`\[(?i:error|错误)\][^\n]*` +
			`|\{\s*"(?:code|error_code)"\s*:\s*-?[1-9]\d*\s*,\s*"(?:msg|message|error_msg)"\s*:\s*"(?:[^"\\]|\\.)*"\s*\}`)
	excessNewlinePattern = regexp.MustCompile(`(?:[ \t]*\n){3,}`)
	headingStartPattern  = regexp.MustCompile(`(?m)^[ \t]*(?:#{1,6}|【)`)
	cjkRunPattern        = regexp.MustCompile(`\p{Han}{6,}`)
)

var errorIndicatorKeys = []string{"error", "message", "error_code", "error_message", "err_msg", "errmsg"}

// Split 把累积文本拆分为工具调用、响应对象、错误对象与正文。
// 任何输入都会返回结果，内部异常时退回启发式正文提取。
func Split(input string) (bundle Bundle) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("混合文本拆分异常，退回兜底提取: %v", r)
			prose, residue := fallbackProse(input)
			bundle = Bundle{Prose: prose, Residue: residue}
		}
	}()

	if strings.TrimSpace(input) == "" {
		return Bundle{}
	}

	var removed []span
	enclosing := parsedObjectSpans(input)
	for _, loc := range errorEnvelopePattern.FindAllStringIndex(input, -1) {
		if nestedIn(span{loc[0], loc[1]}, enclosing) {
			// 嵌在更大对象里的错误包留给对象扫描，整体归类
			continue
		}
		raw := input[loc[0]:loc[1]]
		bundle.Errors = append(bundle.Errors, Object{
			Kind:   ObjectError,
			Raw:    raw,
			Fields: envelopeFields(raw),
			Start:  loc[0],
			End:    loc[1],
		})
		removed = append(removed, span{loc[0], loc[1]})
	}

	gaps := complement(len(input), removed)
	objects := scanGaps(input, gaps, scanBalanced)
	if len(objects) == 0 && len(bundle.Errors) == 0 {
		objects = scanGaps(input, gaps, scanNaive)
	}
	for _, obj := range objects {
		bundle.add(obj)
		removed = append(removed, span{obj.Start, obj.End})
	}

	sortObjects(bundle.Errors)

	prose := normalizeProse(cutSpans(input, removed))
	if bundle.ObjectCount() == 0 && looksLikeBrokenJSON(prose) {
		prose, bundle.Residue = fallbackProse(prose)
	}
	bundle.Prose = prose
	return bundle
}

func (b *Bundle) add(obj Object) {
	switch obj.Kind {
	case ObjectToolCall:
		b.ToolCalls = append(b.ToolCalls, obj)
	case ObjectError:
		b.Errors = append(b.Errors, obj)
	default:
		b.Responses = append(b.Responses, obj)
	}
}

func sortObjects(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].Start < objs[j].Start })
}

type scanFunc func(text string) []span

func scanGaps(input string, gaps []span, scan scanFunc) []Object {
	var objects []Object
	for _, gap := range gaps {
		segment := input[gap.start:gap.end]
		for _, candidate := range scan(segment) {
			raw := segment[candidate.start:candidate.end]
			fields, ok := parseObject(raw)
			if !ok {
				// 解析失败的片段留在正文里
				continue
			}
			objects = append(objects, Object{
				Kind:   classify(fields),
				Raw:    raw,
				Fields: fields,
				Start:  gap.start + candidate.start,
				End:    gap.start + candidate.end,
			})
		}
	}
	return objects
}

// scanBalanced 按花括号深度扫描，忽略字符串字面量内的括号与转义
func scanBalanced(text string) []span {
	var spans []span
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		spans = append(spans, span{i, end})
		i = end - 1
	}
	return spans
}

// parsedObjectSpans 返回能闭合且能解析的顶层对象区间
func parsedObjectSpans(text string) []span {
	var spans []span
	for _, candidate := range scanBalanced(text) {
		if _, ok := parseObject(text[candidate.start:candidate.end]); ok {
			spans = append(spans, candidate)
		}
	}
	return spans
}

// nestedIn 判断 inner 是否严格落在某个外层区间之内
func nestedIn(inner span, outer []span) bool {
	for _, o := range outer {
		if o.start <= inner.start && inner.end <= o.end && o.end-o.start > inner.end-inner.start {
			return true
		}
	}
	return false
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// scanNaive 只数括号，不理会字符串，用于字符串引号本身损坏的输入
func scanNaive(text string) []span {
	var spans []span
	depth := 0
	start := -1
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, span{start, i + 1})
				start = -1
			}
		}
	}
	return spans
}

func parseObject(raw string) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func classify(fields map[string]any) ObjectKind {
	if isToolCall(fields) {
		return ObjectToolCall
	}
	if isErrorObject(fields) {
		return ObjectError
	}
	return ObjectResponse
}

func isToolCall(fields map[string]any) bool {
	_, hasName := fields["name"]
	_, hasArgs := fields["arguments"]
	if hasName && hasArgs {
		return true
	}
	if fn, ok := fields["function"].(map[string]any); ok {
		_, hasName = fn["name"]
		_, hasArgs = fn["arguments"]
		return hasName && hasArgs
	}
	return false
}

func isErrorObject(fields map[string]any) bool {
	for _, key := range errorIndicatorKeys {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	code, hasCode := fields["code"]
	_, hasMsg := fields["msg"]
	if !hasCode || !hasMsg {
		return false
	}
	switch v := code.(type) {
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0"
	}
	return false
}

func envelopeFields(raw string) map[string]any {
	if fields, ok := parseObject(raw); ok {
		return fields
	}
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "]"); idx >= 0 {
		text = strings.TrimSpace(text[idx+1:])
	}
	text = strings.TrimLeft(text, ":：- ")
	return map[string]any{"error": text}
}

// complement 返回未被移除的区间
func complement(total int, removed []span) []span {
	if len(removed) == 0 {
		return []span{{0, total}}
	}
	sorted := append([]span(nil), removed...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	var gaps []span
	cursor := 0
	for _, s := range sorted {
		if s.start > cursor {
			gaps = append(gaps, span{cursor, s.start})
		}
		if s.end > cursor {
			cursor = s.end
		}
	}
	if cursor < total {
		gaps = append(gaps, span{cursor, total})
	}
	return gaps
}

// cutSpans 把移除区间替换为单个换行，结果长度不超过原文
func cutSpans(input string, removed []span) string {
	if len(removed) == 0 {
		return input
	}
	var b strings.Builder
	b.Grow(len(input))
	for i, gap := range complement(len(input), removed) {
		if i > 0 || gap.start > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(input[gap.start:gap.end])
	}
	return b.String()
}

func normalizeProse(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = excessNewlinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func looksLikeBrokenJSON(prose string) bool {
	trimmed := strings.TrimSpace(prose)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[{") || strings.HasPrefix(trimmed, `"`)
}

// fallbackProse 定位 Markdown 或大段中文开始的位置，前面的残片作为 residue 返回。
// 找不到起点时整段保留。
func fallbackProse(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}
	start := -1
	if loc := headingStartPattern.FindStringIndex(trimmed); loc != nil {
		start = loc[0]
	}
	if loc := cjkRunPattern.FindStringIndex(trimmed); loc != nil && (start < 0 || loc[0] < start) {
		start = lineStart(trimmed, loc[0])
	}
	if start <= 0 {
		return normalizeProse(trimmed), ""
	}
	return normalizeProse(trimmed[start:]), strings.TrimSpace(trimmed[:start])
}

// lineStart 从中文段落起点往回退到换行或 JSON 标点之后，尽量保留整句
func lineStart(text string, pos int) int {
	i := pos
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if r == '\n' || r == '"' || r == '{' || r == '}' || r == ',' || r == ':' {
			break
		}
		i -= size
	}
	return i
}

// 本文件用于按标题把正文切分为有序小节
package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SectionKind 小节类型，按 header < content < list < table 升级
type SectionKind string

const (
	SectionHeader  SectionKind = "header"
	SectionContent SectionKind = "content"
	SectionList    SectionKind = "list"
	SectionTable   SectionKind = "table"
)

func (k SectionKind) rank() int {
	switch k {
	case SectionContent:
		return 1
	case SectionList:
		return 2
	case SectionTable:
		return 3
	}
	return 0
}

// Section 一个 Markdown 小节
type Section struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Level int         `json:"level"`
	Kind  SectionKind `json:"kind"`
}

// LeadingSectionTitle 第一个标题之前内容所在小节的标题
const LeadingSectionTitle = "前言"

const bracketTitleLevel = 2

var (
	headingLinePattern  = regexp.MustCompile(`^(#{1,6})[ \t]*(.*?)[ \t]*#*[ \t]*$`)
	bracketTitlePattern = regexp.MustCompile(`^[ \t]*(?:\*\*)?[ \t]*(【[^【】\n]+】)[ \t]*(?:\*\*)?[ \t]*[:：]?[ \t]*$`)
	rulePattern         = regexp.MustCompile(`^[ \t]*(?:(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})$`)
	listItemPattern     = regexp.MustCompile(`^[ \t]*(?:[-*+•·][ \t]+|\d{1,3}[.、)）](?:[ \t]+|[^\d.\s])|[（(]\d{1,3}[)）][ \t]*)`)
)

// Lines 正文按行拆分
func (s Section) Lines() []string {
	if s.Body == "" {
		return nil
	}
	return strings.Split(s.Body, "\n")
}

// Items 去掉列表符号后的条目，非列表行原样保留
func (s Section) Items() []string {
	lines := s.Lines()
	items := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if loc := listMarkerPattern.FindStringIndex(trimmed); loc != nil {
			trimmed = strings.TrimSpace(trimmed[loc[1]:])
		}
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

var listMarkerPattern = regexp.MustCompile(`^(?:[-*+•·][ \t]+|\d{1,3}[.、)）][ \t]*|[（(]\d{1,3}[)）][ \t]*)`)

// Segment 把正文切分为小节。第一个标题之前的内容归入 LeadingSectionTitle 小节，
// 分隔线与空行不进入正文。
func Segment(text string) []Section {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	normalized := SplitRunOnHeadings(strings.ReplaceAll(text, "\r\n", "\n"))

	var (
		sections []Section
		current  *sectionBuilder
	)
	flush := func() {
		if current != nil {
			sections = append(sections, current.build())
			current = nil
		}
	}
	for _, raw := range strings.Split(normalized, "\n") {
		line := strings.TrimRight(raw, " \t")
		if strings.TrimSpace(line) == "" || rulePattern.MatchString(line) {
			continue
		}
		if title, level, isHeading := parseHeading(line); isHeading {
			if title == "" {
				continue
			}
			flush()
			current = &sectionBuilder{title: title, level: level, kind: SectionHeader}
			continue
		}
		if current == nil {
			current = &sectionBuilder{title: LeadingSectionTitle, level: 1, kind: SectionHeader}
		}
		current.add(line)
	}
	flush()
	return sections
}

type sectionBuilder struct {
	title string
	level int
	kind  SectionKind
	lines []string
}

func (b *sectionBuilder) add(line string) {
	if kind := lineKind(line); kind.rank() > b.kind.rank() {
		b.kind = kind
	}
	b.lines = append(b.lines, line)
}

func (b *sectionBuilder) build() Section {
	return Section{
		Title: b.title,
		Body:  strings.Join(b.lines, "\n"),
		Level: b.level,
		Kind:  b.kind,
	}
}

func lineKind(line string) SectionKind {
	if strings.Contains(line, "|") {
		return SectionTable
	}
	if listItemPattern.MatchString(line) {
		return SectionList
	}
	return SectionContent
}

// parseHeading 识别 # 标题与独占一行的【】标题
func parseHeading(line string) (string, int, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "#") {
		if m := headingLinePattern.FindStringSubmatch(trimmed); m != nil {
			return strings.TrimSpace(m[2]), len(m[1]), true
		}
	}
	if m := bracketTitlePattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], bracketTitleLevel, true
	}
	return "", 0, false
}

// SplitRunOnHeadings 在不处于行首的标题符号前补换行，
// 处理 "##A####B" 这类多个标题挤在一行的输出。
// 连续 2 到 6 个 # 且后面紧跟正文时拆分；单个 # 只在本行本身是标题、后跟空格且前面是空白或标点时拆分。
func SplitRunOnHeadings(text string) string {
	if !strings.Contains(text, "#") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = splitRunOnLine(line)
	}
	return strings.Join(lines, "\n")
}

func splitRunOnLine(line string) string {
	if strings.Count(line, "#") < 2 && !strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
		return line
	}
	lineIsHeading := strings.HasPrefix(strings.TrimLeft(line, " \t"), "#")

	var b strings.Builder
	b.Grow(len(line) + 4)
	segmentStart := 0
	for i := 0; i < len(line); {
		if line[i] != '#' {
			b.WriteByte(line[i])
			i++
			continue
		}
		j := i
		for j < len(line) && line[j] == '#' {
			j++
		}
		atStart := strings.TrimSpace(line[segmentStart:i]) == ""
		if !atStart && j < len(line) && shouldBreakBefore(j-i, lastRune(line[:i]), line[j], lineIsHeading) {
			trimmed := strings.TrimRight(b.String(), " \t")
			b.Reset()
			b.WriteString(trimmed)
			b.WriteByte('\n')
			segmentStart = i
		}
		b.WriteString(line[i:j])
		i = j
	}
	return b.String()
}

// shouldBreakBefore 单个 # 还要求前面是空白或标点，避免拆开 "C# 编程" 这类写法
func shouldBreakBefore(run int, prev rune, next byte, lineIsHeading bool) bool {
	if run >= 2 && run <= 6 {
		return true
	}
	if run != 1 || next != ' ' || !lineIsHeading {
		return false
	}
	return unicode.IsSpace(prev) || unicode.IsPunct(prev)
}

func lastRune(text string) rune {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r
}

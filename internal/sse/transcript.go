package sse

import (
	"bufio"
	"bytes"
	"strings"
)

// DecodeAll 一次性解码完整的 SSE 文本
func DecodeAll(data []byte) []Event {
	d := NewDecoder()
	events := d.Feed(data)
	return append(events, d.Flush()...)
}

// Accumulate 按到达顺序拼接消息事件的增量文本
func Accumulate(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == KindMessage {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

// LooksLikeTranscript 判断文本是否是落盘的 SSE 记录
func LooksLikeTranscript(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "data:") || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":")
	}
	return false
}

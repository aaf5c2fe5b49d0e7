// 本文件用于增量消息的实时完整度预览 按缓冲增长节流重新提取
package api

import (
	"unicode/utf8"

	"knowledge-card/internal/extract"
	"knowledge-card/internal/sse"
)

// previewMinStep 两次重新提取之间缓冲至少增长的字节数
const previewMinStep = 512

// previewFrame 增量消息与实时完整度
type previewFrame struct {
	Delta        string  `json:"delta"`
	Completeness float64 `json:"completeness"`
	Length       int     `json:"length"`
}

// previewer 在控制器回调里运行，只在缓冲增长超过上次提取时的四分之一
// (至少 previewMinStep) 后才重新提取，其余增量沿用上次的完整度。
// 最终完整度以 card 事件为准。非并发安全，每个控制器一个。
type previewer struct {
	analyze      func(string) extract.Analysis
	bytes        int
	runes        int
	analyzedAt   int
	analyzed     bool
	completeness float64
}

func newPreviewer() *previewer {
	return &previewer{analyze: extract.Analyze}
}

func (p *previewer) frame(ev sse.Event, buffer string) previewFrame {
	if len(buffer) != p.bytes+len(ev.Delta) {
		// 新会话或重试后缓冲从头开始
		*p = previewer{analyze: p.analyze}
		p.runes = utf8.RuneCountInString(buffer)
	} else {
		p.runes += utf8.RuneCountInString(ev.Delta)
	}
	p.bytes = len(buffer)

	if p.due() {
		p.completeness = p.analyze(buffer).Completeness
		p.analyzedAt = p.bytes
		p.analyzed = true
	}
	return previewFrame{
		Delta:        ev.Delta,
		Completeness: p.completeness,
		Length:       p.runes,
	}
}

func (p *previewer) due() bool {
	if !p.analyzed {
		return true
	}
	step := p.analyzedAt / 4
	if step < previewMinStep {
		step = previewMinStep
	}
	return p.bytes-p.analyzedAt >= step
}

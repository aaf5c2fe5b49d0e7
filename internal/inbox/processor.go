// 本文件用于把收件箱中的落盘记录离线重新提取为知识卡片
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"knowledge-card/internal/card"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/sse"
	"knowledge-card/pkg/utils"
)

const (
	doneDir   = "done"
	failedDir = "failed"
)

// CardSaver 卡片落库
type CardSaver interface {
	SaveCard(ctx context.Context, kc card.KnowledgeCard) error
}

// Publisher 卡片页面发布
type Publisher interface {
	Publish(ctx context.Context, cardID, page string) (string, error)
}

// Processor 读取文件 提取 组装 落库并可选发布
type Processor struct {
	store           CardSaver
	publisher       Publisher // 为空时不发布
	minCompleteness float64
	archive         bool
	now             func() time.Time
}

// NewProcessor 创建处理器，archive 为 true 时处理后把文件移到 done 或 failed 子目录
func NewProcessor(store CardSaver, publisher Publisher, minCompleteness float64, archive bool) *Processor {
	return &Processor{
		store:           store,
		publisher:       publisher,
		minCompleteness: minCompleteness,
		archive:         archive,
		now:             time.Now,
	}
}

// DecodeText 文件像 SSE 记录时按事件拼接增量，否则按原文处理
func DecodeText(data []byte) (string, bool) {
	if !sse.LooksLikeTranscript(data) {
		return string(data), false
	}
	decoder := sse.NewDecoder()
	events := append(decoder.Feed(data), decoder.Flush()...)
	metrics.Global().AddDecodeSkips(decoder.Skipped())
	return sse.Accumulate(events), true
}

// Process 处理单个文件并按结果归档，作为工作池的处理函数
func (p *Processor) Process(ctx context.Context, filePath string) error {
	_, err := p.ProcessFile(ctx, filePath)
	p.archiveFile(filePath, err)
	return err
}

// ProcessFile 处理单个文件并返回卡片
func (p *Processor) ProcessFile(ctx context.Context, filePath string) (card.KnowledgeCard, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return card.KnowledgeCard{}, fmt.Errorf("读取文件失败: %w", err)
	}
	text, transcript := DecodeText(data)
	analysis := extract.Analyze(text)
	kc := card.Assemble(utils.FileStem(filePath), analysis, p.minCompleteness, p.now())
	metrics.Global().ObserveCard(kc.Completeness, kc.Decision.Render)
	logger.Info("收件箱文件提取完成: file=%s transcript=%v completeness=%.2f sections=%d",
		filePath, transcript, kc.Completeness, len(kc.Sections))
	if !kc.Decision.Render {
		return kc, fmt.Errorf("文件没有可展示的内容: %s", filePath)
	}

	if p.publisher != nil {
		page, err := card.RenderHTML(kc)
		if err != nil {
			return kc, err
		}
		link, err := p.publisher.Publish(ctx, kc.ID, page)
		if err != nil {
			logger.Warn("卡片发布失败，仅保存到本地: card=%s err=%v", kc.ID, err)
		} else {
			kc.URL = link
		}
	}
	if p.store != nil {
		if err := p.store.SaveCard(ctx, kc); err != nil {
			return kc, err
		}
	}
	return kc, nil
}

func (p *Processor) archiveFile(filePath string, procErr error) {
	if !p.archive {
		return
	}
	sub := doneDir
	if procErr != nil {
		sub = failedDir
	}
	if _, err := utils.MoveInto(filePath, filepath.Join(filepath.Dir(filePath), sub), p.now()); err != nil {
		logger.Warn("归档文件失败: %s, 错误: %v", filePath, err)
	}
}

// 本文件用于 Prometheus 指标聚合与导出 将流式问答与卡片指标统一收口便于监控接入

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"knowledge-card/internal/models"
)

// Collector 聚合运行期指标，并以 Prometheus 文本格式输出。
type Collector struct {
	activeStreams atomic.Int64
	inboxQueue    atomic.Int64
	inboxWorkers  atomic.Int64
	inboxInFlight atomic.Int64

	streamRetryTotal      atomic.Uint64
	retriesExhaustedTotal atomic.Uint64
	decodeSkipTotal       atomic.Uint64
	inboxProcessedTotal   atomic.Uint64
	inboxFailedTotal      atomic.Uint64
	cardsRenderedTotal    atomic.Uint64
	cardsSkippedTotal     atomic.Uint64

	mu                 sync.RWMutex
	streamsByOutcome   map[string]uint64
	publishByOutcome   map[string]uint64
	streamDurationSec  *histogram
	completenessRatio  *histogram
	publishDurationSec *histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64 // 累计桶计数
	count   uint64
	sum     float64
}

var (
	globalCollector = NewCollector()
)

var (
	streamDurationBuckets  = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 180, 300}
	completenessBuckets    = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}
	publishDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	baselineStreamOutcomes = []string{"completed", "error", "cancelled", "degraded", "timeout"}
)

// Global 返回进程级全局指标收集器。
func Global() *Collector {
	return globalCollector
}

// NewCollector 创建指标收集器。
func NewCollector() *Collector {
	return &Collector{
		streamsByOutcome:   make(map[string]uint64),
		publishByOutcome:   make(map[string]uint64),
		streamDurationSec:  newHistogram(streamDurationBuckets),
		completenessRatio:  newHistogram(completenessBuckets),
		publishDurationSec: newHistogram(publishDurationBuckets),
	}
}

func newHistogram(buckets []float64) *histogram {
	clean := make([]float64, 0, len(buckets))
	for _, bucket := range buckets {
		if bucket <= 0 {
			continue
		}
		clean = append(clean, bucket)
	}
	sort.Float64s(clean)
	return &histogram{
		buckets: clean,
		counts:  make([]uint64, len(clean)),
	}
}

func (h *histogram) observe(v float64) {
	if h == nil {
		return
	}
	for idx, bound := range h.buckets {
		if v <= bound {
			h.counts[idx]++
		}
	}
	h.count++
	h.sum += v
}

func (h *histogram) writePrometheus(builder *strings.Builder, metric string, labels map[string]string) {
	if h == nil {
		return
	}
	for idx, bound := range h.buckets {
		bucketLabels := mergeLabels(labels, map[string]string{
			"le": trimFloat(bound),
		})
		builder.WriteString(metric)
		builder.WriteString("_bucket")
		writeLabels(builder, bucketLabels)
		builder.WriteByte(' ')
		builder.WriteString(strconv.FormatUint(h.counts[idx], 10))
		builder.WriteByte('\n')
	}
	infLabels := mergeLabels(labels, map[string]string{
		"le": "+Inf",
	})
	builder.WriteString(metric)
	builder.WriteString("_bucket")
	writeLabels(builder, infLabels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(h.count, 10))
	builder.WriteByte('\n')

	builder.WriteString(metric)
	builder.WriteString("_sum")
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(trimFloat(h.sum))
	builder.WriteByte('\n')

	builder.WriteString(metric)
	builder.WriteString("_count")
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(h.count, 10))
	builder.WriteByte('\n')
}

// StreamStarted 记录一次流开始，活跃流数加一。
func (c *Collector) StreamStarted() {
	if c == nil {
		return
	}
	c.activeStreams.Add(1)
}

// ObserveStreamOutcome 记录流结束的结果与耗时，活跃流数减一。
func (c *Collector) ObserveStreamOutcome(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	if c.activeStreams.Add(-1) < 0 {
		c.activeStreams.Store(0)
	}
	label := normalizeMetricLabel(outcome)
	c.mu.Lock()
	c.streamsByOutcome[label]++
	c.streamDurationSec.observe(latency.Seconds())
	c.mu.Unlock()
}

// IncStreamRetry 记录一次手动重试。
func (c *Collector) IncStreamRetry() {
	if c == nil {
		return
	}
	c.streamRetryTotal.Add(1)
}

// IncRetriesExhausted 记录重试次数用尽后被拒绝的重试。
func (c *Collector) IncRetriesExhausted() {
	if c == nil {
		return
	}
	c.retriesExhaustedTotal.Add(1)
}

// AddDecodeSkips 记录被宽容跳过的 SSE 数据行。
func (c *Collector) AddDecodeSkips(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.decodeSkipTotal.Add(uint64(n))
}

// ObserveCard 记录卡片完整度与是否渲染。
func (c *Collector) ObserveCard(completeness float64, rendered bool) {
	if c == nil {
		return
	}
	if rendered {
		c.cardsRenderedTotal.Add(1)
	} else {
		c.cardsSkippedTotal.Add(1)
	}
	c.mu.Lock()
	c.completenessRatio.observe(completeness)
	c.mu.Unlock()
}

// ObservePublish 记录卡片发布结果与耗时。
func (c *Collector) ObservePublish(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	label := normalizeMetricLabel(outcome)
	c.mu.Lock()
	c.publishByOutcome[label]++
	c.publishDurationSec.observe(latency.Seconds())
	c.mu.Unlock()
}

// SetInboxStats 刷新收件箱队列长度和并发工作数。
func (c *Collector) SetInboxStats(stats models.InboxStats) {
	if c == nil {
		return
	}
	c.inboxQueue.Store(int64(stats.QueueLength))
	c.inboxWorkers.Store(int64(stats.Workers))
	c.inboxInFlight.Store(int64(stats.InFlight))
}

// ObserveInbox 记录一次收件箱文件处理结果。
func (c *Collector) ObserveInbox(success bool) {
	if c == nil {
		return
	}
	if success {
		c.inboxProcessedTotal.Add(1)
		return
	}
	c.inboxFailedTotal.Add(1)
}

// RenderPrometheus 以 text exposition 格式导出指标。
func (c *Collector) RenderPrometheus() string {
	if c == nil {
		return ""
	}
	builder := strings.Builder{}
	builder.Grow(4096)

	writeMetricHeader(&builder, "kcard_stream_active", "gauge", "Current in-flight bot streams.")
	writeGaugeInt(&builder, "kcard_stream_active", c.activeStreams.Load(), nil)

	streamsByOutcome := make(map[string]uint64)
	publishByOutcome := make(map[string]uint64)
	var streamDurationCopy histogram
	var completenessCopy histogram
	var publishDurationCopy histogram
	c.mu.RLock()
	for outcome, count := range c.streamsByOutcome {
		streamsByOutcome[outcome] = count
	}
	for outcome, count := range c.publishByOutcome {
		publishByOutcome[outcome] = count
	}
	streamDurationCopy = cloneHistogram(c.streamDurationSec)
	completenessCopy = cloneHistogram(c.completenessRatio)
	publishDurationCopy = cloneHistogram(c.publishDurationSec)
	c.mu.RUnlock()

	writeMetricHeader(&builder, "kcard_stream_total", "counter", "Total bot streams grouped by outcome.")
	// 始终输出基础 outcome，避免零流量时缺失时序导致巡检误报
	for _, outcome := range baselineStreamOutcomes {
		if _, ok := streamsByOutcome[outcome]; !ok {
			streamsByOutcome[outcome] = 0
		}
	}
	for _, outcome := range sortedStringKeysFromUintMap(streamsByOutcome) {
		writeCounter(&builder, "kcard_stream_total", streamsByOutcome[outcome], map[string]string{
			"outcome": outcome,
		})
	}

	writeMetricHeader(&builder, "kcard_stream_duration_seconds", "histogram", "Bot stream duration distribution in seconds.")
	streamDurationCopy.writePrometheus(&builder, "kcard_stream_duration_seconds", nil)

	writeMetricHeader(&builder, "kcard_stream_retry_total", "counter", "Total manual stream retries.")
	writeCounter(&builder, "kcard_stream_retry_total", c.streamRetryTotal.Load(), nil)

	writeMetricHeader(&builder, "kcard_stream_retries_exhausted_total", "counter", "Total retries refused after the retry budget was used up.")
	writeCounter(&builder, "kcard_stream_retries_exhausted_total", c.retriesExhaustedTotal.Load(), nil)

	writeMetricHeader(&builder, "kcard_sse_decode_skip_total", "counter", "Total SSE data lines skipped because they were not JSON.")
	writeCounter(&builder, "kcard_sse_decode_skip_total", c.decodeSkipTotal.Load(), nil)

	rendered := c.cardsRenderedTotal.Load()
	skipped := c.cardsSkippedTotal.Load()
	writeMetricHeader(&builder, "kcard_cards_total", "counter", "Total assembled knowledge cards grouped by render decision.")
	writeCounter(&builder, "kcard_cards_total", rendered, map[string]string{"decision": "rendered"})
	writeCounter(&builder, "kcard_cards_total", skipped, map[string]string{"decision": "skipped"})

	writeMetricHeader(&builder, "kcard_cards_rendered_ratio", "gauge", "Share of assembled cards that were rendered.")
	writeGaugeFloat(&builder, "kcard_cards_rendered_ratio", safeRatio(rendered, rendered+skipped), nil)

	writeMetricHeader(&builder, "kcard_card_completeness_ratio", "histogram", "Extracted field completeness distribution.")
	completenessCopy.writePrometheus(&builder, "kcard_card_completeness_ratio", nil)

	writeMetricHeader(&builder, "kcard_publish_total", "counter", "Total card publications grouped by outcome.")
	for _, outcome := range sortedStringKeysFromUintMap(publishByOutcome) {
		writeCounter(&builder, "kcard_publish_total", publishByOutcome[outcome], map[string]string{
			"outcome": outcome,
		})
	}

	writeMetricHeader(&builder, "kcard_publish_duration_seconds", "histogram", "Card publication latency distribution in seconds.")
	publishDurationCopy.writePrometheus(&builder, "kcard_publish_duration_seconds", nil)

	writeMetricHeader(&builder, "kcard_inbox_queue_length", "gauge", "Current inbox queue length.")
	writeGaugeInt(&builder, "kcard_inbox_queue_length", c.inboxQueue.Load(), nil)

	writeMetricHeader(&builder, "kcard_inbox_workers", "gauge", "Current inbox workers.")
	writeGaugeInt(&builder, "kcard_inbox_workers", c.inboxWorkers.Load(), nil)

	writeMetricHeader(&builder, "kcard_inbox_inflight", "gauge", "Current in-flight inbox files.")
	writeGaugeInt(&builder, "kcard_inbox_inflight", c.inboxInFlight.Load(), nil)

	writeMetricHeader(&builder, "kcard_inbox_processed_total", "counter", "Total inbox files turned into cards.")
	writeCounter(&builder, "kcard_inbox_processed_total", c.inboxProcessedTotal.Load(), nil)

	writeMetricHeader(&builder, "kcard_inbox_failed_total", "counter", "Total inbox files that failed processing.")
	writeCounter(&builder, "kcard_inbox_failed_total", c.inboxFailedTotal.Load(), nil)

	return builder.String()
}

func cloneHistogram(h *histogram) histogram {
	if h == nil {
		return histogram{}
	}
	copyHist := histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
	return copyHist
}

func writeMetricHeader(builder *strings.Builder, metric, metricType, help string) {
	builder.WriteString("# HELP ")
	builder.WriteString(metric)
	builder.WriteByte(' ')
	builder.WriteString(help)
	builder.WriteByte('\n')
	builder.WriteString("# TYPE ")
	builder.WriteString(metric)
	builder.WriteByte(' ')
	builder.WriteString(metricType)
	builder.WriteByte('\n')
}

func writeCounter(builder *strings.Builder, metric string, value uint64, labels map[string]string) {
	builder.WriteString(metric)
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(value, 10))
	builder.WriteByte('\n')
}

func writeGaugeInt(builder *strings.Builder, metric string, value int64, labels map[string]string) {
	builder.WriteString(metric)
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatInt(value, 10))
	builder.WriteByte('\n')
}

func writeGaugeFloat(builder *strings.Builder, metric string, value float64, labels map[string]string) {
	builder.WriteString(metric)
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(trimFloat(value))
	builder.WriteByte('\n')
}

func writeLabels(builder *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteByte('{')
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(key)
		builder.WriteString("=\"")
		builder.WriteString(escapeLabelValue(labels[key]))
		builder.WriteByte('"')
	}
	builder.WriteByte('}')
}

func mergeLabels(base, ext map[string]string) map[string]string {
	if len(base) == 0 && len(ext) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(ext))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range ext {
		merged[key] = value
	}
	return merged
}

func normalizeMetricLabel(value string) string {
	clean := strings.TrimSpace(strings.ToLower(value))
	if clean == "" {
		return "unknown"
	}
	clean = strings.ReplaceAll(clean, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", " ")
	clean = strings.ReplaceAll(clean, "\t", " ")
	clean = strings.Join(strings.Fields(clean), " ")
	if len(clean) > 120 {
		clean = clean[:120]
	}
	return clean
}

func escapeLabelValue(value string) string {
	replacer := strings.NewReplacer(
		`\\`, `\\\\`,
		`"`, `\"`,
		"\n", `\n`,
	)
	return replacer.Replace(value)
}

func sortedStringKeysFromUintMap(items map[string]uint64) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func safeRatio(hit, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

// ResetForTest 仅用于测试，避免跨用例污染。
func (c *Collector) ResetForTest() {
	if c == nil {
		return
	}
	c.activeStreams.Store(0)
	c.inboxQueue.Store(0)
	c.inboxWorkers.Store(0)
	c.inboxInFlight.Store(0)
	c.streamRetryTotal.Store(0)
	c.retriesExhaustedTotal.Store(0)
	c.decodeSkipTotal.Store(0)
	c.inboxProcessedTotal.Store(0)
	c.inboxFailedTotal.Store(0)
	c.cardsRenderedTotal.Store(0)
	c.cardsSkippedTotal.Store(0)

	c.mu.Lock()
	c.streamsByOutcome = make(map[string]uint64)
	c.publishByOutcome = make(map[string]uint64)
	c.streamDurationSec = newHistogram(streamDurationBuckets)
	c.completenessRatio = newHistogram(completenessBuckets)
	c.publishDurationSec = newHistogram(publishDurationBuckets)
	c.mu.Unlock()
}

// MustGlobalPrometheus 返回全局指标文本，/metrics 接口直接输出。
func MustGlobalPrometheus() string {
	return Global().RenderPrometheus()
}

// EnsureCollectorForTest 仅用于测试替换全局实例。
func EnsureCollectorForTest(collector *Collector) {
	if collector == nil {
		return
	}
	globalCollector = collector
}

// NewTestCollector 提供带默认配置的测试 Collector。
func NewTestCollector() *Collector {
	collector := NewCollector()
	collector.ResetForTest()
	return collector
}

// SnapshotString 单行指标摘要，服务退出时写入日志。
func (c *Collector) SnapshotString() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf(
		"active=%d retries=%d exhausted=%d skips=%d inbox_ok=%d inbox_failed=%d",
		c.activeStreams.Load(),
		c.streamRetryTotal.Load(),
		c.retriesExhaustedTotal.Load(),
		c.decodeSkipTotal.Load(),
		c.inboxProcessedTotal.Load(),
		c.inboxFailedTotal.Load(),
	)
}

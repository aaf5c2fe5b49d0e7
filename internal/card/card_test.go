package card

import (
	"strings"
	"testing"
	"time"

	"knowledge-card/internal/extract"
)

const report = `## 【命主信息概览】
* **姓名**：小明
* **性别**：男
* **八字**：庚子 辛巳 甲子 己巳

## 【性格分析】
**性格特点**：活泼开朗，善于表达。

## 【成长建议】
成长建议：多鼓励独立思考
职业方向：工程技术类

## 总结
整体向好<script>alert(1)</script>`

func TestAssemble(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	analysis := extract.Analyze(report)
	card := Assemble("s1", analysis, 0.3, now)

	if card.ID == "" || card.SessionID != "s1" || !card.CreatedAt.Equal(now) {
		t.Fatalf("卡片元信息不符合预期: %+v", card)
	}
	if card.Basic.Name != "小明" || card.Basic.Gender != "男" || card.Basic.FourPillars != "庚子 辛巳 甲子 己巳" {
		t.Fatalf("基本信息不符合预期: %+v", card.Basic)
	}
	keys := make([]string, 0, len(card.Groups))
	for _, group := range card.Groups {
		keys = append(keys, group.Key)
		if len(group.Items) == 0 {
			t.Fatalf("空分组不应出现: %+v", group)
		}
	}
	if strings.Join(keys, ",") != "personality,career,growth" {
		t.Fatalf("分组不符合预期: %v", keys)
	}
	if card.Completeness != analysis.Completeness || len(card.Missing) == 0 {
		t.Fatalf("完整度与缺失字段不符合预期: %v %v", card.Completeness, card.Missing)
	}
	if card.Named.Overview == nil || card.Named.Overview.Title != "【命主信息概览】" {
		t.Fatalf("概览小节不符合预期: %+v", card.Named.Overview)
	}
	if card.Named.Analysis == nil || card.Named.Analysis.Title != "【性格分析】" {
		t.Fatalf("分析小节不符合预期: %+v", card.Named.Analysis)
	}
	if card.Named.Suggestions == nil || card.Named.Suggestions.Title != "【成长建议】" {
		t.Fatalf("建议小节不符合预期: %+v", card.Named.Suggestions)
	}
	if card.Named.Conclusion == nil || card.Named.Conclusion.Title != "总结" {
		t.Fatalf("结论小节不符合预期: %+v", card.Named.Conclusion)
	}
}

func TestPickNamedPositionalFallback(t *testing.T) {
	sections := []extract.Section{
		{Title: "甲", Body: "一"},
		{Title: "乙", Body: "二"},
		{Title: "丙", Body: "三"},
	}
	named := PickNamed(sections)
	if named.Overview == nil || named.Overview.Title != "甲" {
		t.Fatalf("第一节应兜底为概览: %+v", named.Overview)
	}
	if named.Conclusion == nil || named.Conclusion.Title != "丙" {
		t.Fatalf("最后一节应兜底为结论: %+v", named.Conclusion)
	}
	if named.Analysis != nil || named.Suggestions != nil {
		t.Fatalf("没有关键字时不应挑出分析与建议")
	}

	single := PickNamed(sections[:1])
	if single.Overview == nil || single.Conclusion != nil {
		t.Fatalf("只有一节时只作为概览: %+v", single)
	}
	if empty := PickNamed(nil); empty.Overview != nil || empty.Conclusion != nil {
		t.Fatalf("没有小节时应为空")
	}
}

func TestEvaluate(t *testing.T) {
	full := extract.Extract(report)
	cases := []struct {
		name   string
		record extract.Record
		min    float64
		render bool
		warn   bool
	}{
		{"空记录", extract.Record{}, 0.3, false, false},
		{"只有原始内容", extract.Record{RawContent: "一段无法识别的文字"}, 0.3, true, true},
		{"低于阈值", full, 0.9, true, true},
		{"达到阈值", full, 0.1, true, false},
		{"阈值非法时使用默认值", full, 5, true, full.Completeness() < DefaultMinCompleteness},
	}
	for _, tc := range cases {
		decision := Evaluate(tc.record, tc.min)
		if decision.Render != tc.render || decision.Warn != tc.warn {
			t.Fatalf("%s: 期望 render=%v warn=%v, 实际 %+v", tc.name, tc.render, tc.warn, decision)
		}
	}
}

func TestRenderHTML(t *testing.T) {
	card := Assemble("s1", extract.Analyze(report), 0.9, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	page, err := RenderHTML(card)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	for _, want := range []string{"小明的知识卡片", "<h2>【性格分析】</h2>", "庚子 辛巳 甲子 己巳", `class="warn"`, "2024-05-01 10:00"} {
		if !strings.Contains(page, want) {
			t.Fatalf("页面缺少 %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "<script>alert") {
		t.Fatalf("正文中的脚本应被过滤")
	}

	if _, err := RenderHTML(Assemble("s2", extract.Analyze(""), 0.3, time.Now())); err == nil {
		t.Fatalf("没有内容的卡片不应渲染")
	}
}

func TestRenderHTMLRawContentOnly(t *testing.T) {
	card := Assemble("s3", extract.Analysis{Record: extract.Record{RawContent: "**无法识别**的内容"}}, 0.3, time.Now())
	page, err := RenderHTML(card)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	if !strings.Contains(page, "<strong>无法识别</strong>") {
		t.Fatalf("原始内容应按 Markdown 渲染:\n%s", page)
	}
}

func TestPercent(t *testing.T) {
	cases := map[float64]string{0: "0%", 0.5: "50%", 0.125: "12.5%", 1: "100%"}
	for input, want := range cases {
		if got := percent(input); got != want {
			t.Fatalf("%v 期望 %s, 实际 %s", input, want, got)
		}
	}
}

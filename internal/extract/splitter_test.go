package extract

import (
	"strings"
	"testing"
)

// 单个工具调用加尾随 Markdown 段落
func TestSplitToolCallWithTrailingProse(t *testing.T) {
	input := `{"name":"bazi_calc","arguments":{"year":2020,"note":"含}括号"}}` + "\n\n这是命盘分析的结论段落。\n"
	bundle := Split(input)
	if len(bundle.ToolCalls) != 1 {
		t.Fatalf("工具调用数量期望 1, 实际 %d", len(bundle.ToolCalls))
	}
	if len(bundle.Responses) != 0 || len(bundle.Errors) != 0 {
		t.Fatalf("不应有其他 JSON 片段: %+v", bundle)
	}
	if bundle.Prose != "这是命盘分析的结论段落。" {
		t.Fatalf("正文期望为尾随段落, 实际 %q", bundle.Prose)
	}
	if bundle.ToolCalls[0].Fields["name"] != "bazi_calc" {
		t.Fatalf("工具调用字段解析错误: %+v", bundle.ToolCalls[0].Fields)
	}
}

// 工具调用参数里嵌着 code/msg 错误包时整体作为工具调用
func TestSplitNestedErrorEnvelopeStaysInToolCall(t *testing.T) {
	input := `{"name":"f","arguments":{"r":{"code":5,"msg":"bad"}}} 正文`
	bundle := Split(input)
	if len(bundle.ToolCalls) != 1 || len(bundle.Errors) != 0 {
		t.Fatalf("期望 1 个工具调用 0 个错误, 实际 tool=%d err=%d", len(bundle.ToolCalls), len(bundle.Errors))
	}
	if bundle.ToolCalls[0].Raw != `{"name":"f","arguments":{"r":{"code":5,"msg":"bad"}}}` {
		t.Fatalf("工具调用应完整保留: %q", bundle.ToolCalls[0].Raw)
	}
	if bundle.Prose != "正文" {
		t.Fatalf("正文期望 %q, 实际 %q", "正文", bundle.Prose)
	}
}

func TestSplitClassifiesObjects(t *testing.T) {
	input := `前文 {"code":4100,"msg":"token expired"} 中段 {"message":"rate limited"} ` +
		`{"msg_type":"generate_answer_finish","data":""} {"code":0,"msg":"success","data":{}} 后文`
	bundle := Split(input)
	if len(bundle.Errors) != 2 {
		t.Fatalf("错误片段期望 2, 实际 %d: %+v", len(bundle.Errors), bundle.Errors)
	}
	if bundle.Errors[0].Start > bundle.Errors[1].Start {
		t.Fatalf("错误片段应按出现顺序排列")
	}
	if len(bundle.Responses) != 2 {
		t.Fatalf("响应片段期望 2, 实际 %d", len(bundle.Responses))
	}
	for _, want := range []string{"前文", "中段", "后文"} {
		if !strings.Contains(bundle.Prose, want) {
			t.Fatalf("正文缺少 %s: %q", want, bundle.Prose)
		}
	}
	if strings.Contains(bundle.Prose, "{") {
		t.Fatalf("正文不应残留 JSON: %q", bundle.Prose)
	}
}

func TestSplitBracketedErrorReport(t *testing.T) {
	bundle := Split("[ERROR] plugin timeout\n\n\n\n## 结论\n正文")
	if len(bundle.Errors) != 1 {
		t.Fatalf("错误报告期望 1, 实际 %d", len(bundle.Errors))
	}
	if bundle.Errors[0].Fields["error"] != "plugin timeout" {
		t.Fatalf("错误报告内容解析错误: %+v", bundle.Errors[0].Fields)
	}
	if bundle.Prose != "## 结论\n正文" {
		t.Fatalf("正文不符合预期: %q", bundle.Prose)
	}
}

// 解析失败的片段留在正文里
func TestSplitKeepsUnparsableBraces(t *testing.T) {
	bundle := Split("说明 {not json} 结束")
	if bundle.ObjectCount() != 0 {
		t.Fatalf("不应识别出 JSON 片段: %+v", bundle)
	}
	if bundle.Prose != "说明 {not json} 结束" {
		t.Fatalf("解析失败的内容应保留, 实际 %q", bundle.Prose)
	}
}

func TestSplitFallbackFindsMarkdownStart(t *testing.T) {
	head := `{"name":"calc","arguments":{"a":`
	bundle := Split(head + "\n## 【命主信息】\n性别：男")
	if bundle.Prose != "## 【命主信息】\n性别：男" {
		t.Fatalf("兜底应从标题处开始, 实际 %q", bundle.Prose)
	}
	if bundle.Residue != head {
		t.Fatalf("截掉的残片应保留在 Residue, 实际 %q", bundle.Residue)
	}
}

// 任意输入都不 panic，正文长度不超过原文
func TestSplitTotality(t *testing.T) {
	inputs := []string{
		"",
		"   \n\t",
		"{",
		"}}}{{{",
		`"\{`,
		`{"a":"\"}"}`,
		strings.Repeat("{", 200),
		strings.Repeat("}", 50) + strings.Repeat("{\"", 50),
		"[error] boom\n\n\n\n正文",
		"\x00\xff{\"a\":1}\xfe",
		"【标题】{\"name\":1,\"arguments\":2}{\"error\":null}",
	}
	for _, input := range inputs {
		bundle := Split(input)
		if len(bundle.Prose) > len(input) {
			t.Fatalf("正文长度超过原文: input=%q prose=%q", input, bundle.Prose)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	bundle := Split("  \n ")
	if bundle.Prose != "" || bundle.ObjectCount() != 0 {
		t.Fatalf("空白输入应得到空结果: %+v", bundle)
	}
}

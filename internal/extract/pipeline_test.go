package extract

import (
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestAnalyzeMixedStream(t *testing.T) {
	raw := `{"name":"bazi_chart","arguments":{"birth":"2020-05-01 10:30"}}` +
		"\n[DEBUG] tool finished\n<|endoftext|>\n" + sampleReport
	analysis := Analyze(raw)

	if len(analysis.Bundle.ToolCalls) != 1 {
		t.Fatalf("工具调用数量期望 1, 实际 %d", len(analysis.Bundle.ToolCalls))
	}
	if strings.Contains(analysis.Prose, "[DEBUG]") || strings.Contains(analysis.Prose, "<|") {
		t.Fatalf("正文应去掉诊断噪声: %q", analysis.Prose)
	}
	if analysis.Record.Value(FieldGender) != "男" {
		t.Fatalf("性别期望 男, 实际 %q", analysis.Record.Value(FieldGender))
	}
	if len(analysis.Sections) != 5 {
		t.Fatalf("小节数量期望 5, 实际 %d", len(analysis.Sections))
	}
	if analysis.Completeness != analysis.Record.Completeness() {
		t.Fatalf("完整度应与记录一致")
	}
	if analysis.Empty() {
		t.Fatalf("有正文时不应为空")
	}
}

func TestCleanNoiseIdempotent(t *testing.T) {
	input := "2024-05-01 10:00:00,123 INFO start\n正文  \n\n\n\n[TRACE] x\nmsg_type: verbose\n结尾<|im_end|>"
	once := CleanNoise(input)
	if once != "正文\n\n结尾" {
		t.Fatalf("清理结果不符合预期: %q", once)
	}
	if twice := CleanNoise(once); twice != once {
		t.Fatalf("重复清理结果应一致: %q vs %q", once, twice)
	}
}

// 提取是纯函数，可以并发调用
func TestAnalyzeConcurrentSnapshots(t *testing.T) {
	want := Analyze(sampleReport)
	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := Analyze(sampleReport); !reflect.DeepEqual(got, want) {
				errs <- "并发提取结果不一致"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	analysis := Analyze("")
	if !analysis.Empty() || len(analysis.Record.Fields) != 0 || analysis.Sections != nil {
		t.Fatalf("空输入应得到空分析: %+v", analysis)
	}
}

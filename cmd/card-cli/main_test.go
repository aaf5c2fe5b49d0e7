package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const answerText = "## 【命主信息概览】\n* **姓名**：小明\n* **性别**：男\n\n## 【性格分析】\n性格特点：活泼开朗"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runWithArgs(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	return path
}

func TestExtractCommand(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "answer.txt", answerText)
	htmlPath := filepath.Join(dir, "card.html")

	code, stdout, stderr := runCLI(t, "-c", filepath.Join(dir, "missing.yaml"), "extract", input, "--json", "--html", htmlPath)
	if code != exitCodeOK {
		t.Fatalf("extract 期望退出码 0, 实际 %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"name": "小明"`) {
		t.Fatalf("JSON 输出缺少姓名:\n%s", stdout)
	}
	page, err := os.ReadFile(htmlPath)
	if err != nil || !strings.Contains(string(page), "小明") {
		t.Fatalf("应写出卡片页面: err=%v", err)
	}

	code, stdout, _ = runCLI(t, "-c", filepath.Join(dir, "missing.yaml"), "extract", input)
	if code != exitCodeOK || !strings.Contains(stdout, "知识卡片") || !strings.Contains(stdout, "小明") {
		t.Fatalf("文本输出不符合预期: code=%d\n%s", code, stdout)
	}
}

func TestExtractCommandFailures(t *testing.T) {
	dir := t.TempDir()
	missingCfg := filepath.Join(dir, "missing.yaml")

	if code, _, _ := runCLI(t, "-c", missingCfg, "extract", filepath.Join(dir, "nope.txt")); code != exitCodeFailed {
		t.Fatalf("文件不存在期望退出码 %d, 实际 %d", exitCodeFailed, code)
	}
	empty := writeFile(t, dir, "empty.txt", "  \n")
	if code, _, _ := runCLI(t, "-c", missingCfg, "extract", empty); code != exitCodeFailed {
		t.Fatalf("空文件期望退出码 %d, 实际 %d", exitCodeFailed, code)
	}
	if code, _, _ := runCLI(t, "-c", missingCfg, "extract"); code != exitCodeUsage {
		t.Fatalf("缺少参数期望退出码 %d, 实际 %d", exitCodeUsage, code)
	}
	if code, _, _ := runCLI(t, "bogus"); code != exitCodeUsage {
		t.Fatalf("未知命令期望退出码 %d, 实际 %d", exitCodeUsage, code)
	}
	if code, _, _ := runCLI(t, "-c", missingCfg, "ask"); code != exitCodeUsage {
		t.Fatalf("ask 缺少提问期望退出码 %d, 实际 %d", exitCodeUsage, code)
	}
}

func TestAskSavesCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range strings.SplitAfter(answerText, "\n") {
			fmt.Fprintf(w, "event:conversation.message.delta\ndata:{\"role\":\"assistant\",\"type\":\"answer\",\"content\":%q}\n\n", part)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
bot_base_url: %q
bot_id: "bot-1"
bot_token: "tk"
data_dir: %q
stream_retry_delay: "10ms"
`, srv.URL, filepath.Join(dir, "data")))

	code, stdout, stderr := runCLI(t, "-c", cfgPath, "ask", "--name", "小明", "--gender", "男", "--birth-date", "2020-05-01", "--json", "--save")
	if code != exitCodeOK {
		t.Fatalf("ask 期望退出码 0, 实际 %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"name": "小明"`) {
		t.Fatalf("卡片输出缺少姓名:\n%s", stdout)
	}
	if !strings.Contains(stderr, "活泼开朗") {
		t.Fatalf("增量应输出到 stderr:\n%s", stderr)
	}

	code, stdout, _ = runCLI(t, "-c", cfgPath, "cards")
	if code != exitCodeOK || !strings.Contains(stdout, "共 1 张") {
		t.Fatalf("保存后应能列出卡片: code=%d\n%s", code, stdout)
	}
}

func TestCardsCommandEmpty(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf("data_dir: %q\n", filepath.Join(dir, "data")))
	code, stdout, _ := runCLI(t, "-c", cfgPath, "cards")
	if code != exitCodeOK || !strings.Contains(stdout, "暂无卡片") {
		t.Fatalf("空库应提示暂无卡片: code=%d\n%s", code, stdout)
	}
}

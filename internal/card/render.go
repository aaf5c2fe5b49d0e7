// 本文件用于把知识卡片渲染为 HTML 页面
package card

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown  = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))
	sanitizer = bluemonday.UGCPolicy()
)

var pageTemplate = template.Must(template.New("card").Funcs(template.FuncMap{
	"percent":  percent,
	"markdown": markdownHTML,
}).Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{if .Basic.Name}}{{.Basic.Name}}的{{end}}知识卡片</title>
<style>
body{font-family:-apple-system,"PingFang SC","Microsoft YaHei",sans-serif;background:#f6f4ef;color:#2d2a26;margin:0;padding:24px}
.card{max-width:760px;margin:0 auto;background:#fff;border-radius:12px;padding:24px 28px;box-shadow:0 2px 12px rgba(0,0,0,.06)}
.basic dt{color:#8a8178;float:left;width:96px}
.basic dd{margin:0 0 6px 96px}
.warn{background:#fff4e5;border-left:4px solid #f0a020;padding:8px 12px;margin:12px 0}
.group h2,.section h2{font-size:17px;border-bottom:1px solid #eee;padding-bottom:4px}
.meta{color:#8a8178;font-size:12px;margin-top:24px}
table{border-collapse:collapse}td,th{border:1px solid #ddd;padding:4px 8px}
</style>
</head>
<body>
<div class="card">
<h1>{{if .Basic.Name}}{{.Basic.Name}}的{{end}}知识卡片</h1>
{{if .Decision.Warn}}<div class="warn">{{.Decision.Reason}}</div>{{end}}
<dl class="basic">
{{with .Basic.Gender}}<dt>性别</dt><dd>{{.}}</dd>{{end}}
{{with .Basic.BirthDate}}<dt>出生日期</dt><dd>{{.}}</dd>{{end}}
{{with .Basic.BirthTime}}<dt>出生时间</dt><dd>{{.}}</dd>{{end}}
{{with .Basic.FourPillars}}<dt>八字</dt><dd>{{.}}</dd>{{end}}
{{with .Basic.MainStar}}<dt>命宫主星</dt><dd>{{.}}</dd>{{end}}
{{with .Basic.BodyPalace}}<dt>身宫</dt><dd>{{.}}</dd>{{end}}
</dl>
{{range .Groups}}<div class="group" id="{{.Key}}">
<h2>{{.Title}}</h2>
<ul>{{range .Items}}<li><strong>{{.Label}}</strong>：{{.Value}}</li>{{end}}</ul>
</div>
{{end}}{{range .Sections}}<div class="section">
<h2>{{.Title}}</h2>
{{markdown .Body}}
</div>
{{else}}{{if .RawContent}}<div class="section">{{markdown .RawContent}}</div>{{end}}{{end}}
<div class="meta">完整度 {{percent .Completeness}} · {{.CreatedAt.Format "2006-01-02 15:04"}}</div>
</div>
</body>
</html>
`))

// RenderHTML 渲染卡片页面。小节正文按 Markdown 转换并做白名单过滤。
func RenderHTML(card KnowledgeCard) (string, error) {
	if !card.Decision.Render {
		return "", fmt.Errorf("卡片没有可展示的内容: %s", card.ID)
	}
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, card); err != nil {
		return "", fmt.Errorf("卡片渲染失败: %w", err)
	}
	return buf.String(), nil
}

func markdownHTML(source string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes()))
}

func percent(v float64) string {
	return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.1f", v*100), "0"), ".") + "%"
}

package stream

import (
	"fmt"
	"strings"

	"knowledge-card/internal/models"
)

// DegradedResponder 鉴权失败时生成本地兜底回答
type DegradedResponder func(req models.AskRequest, cause error) string

// CannedResponse 默认兜底回答。
// 沿用远端报告的小节结构，让提取与卡片流程照常工作，只是内容为占位说明。
func CannedResponse(req models.AskRequest, _ error) string {
	var b strings.Builder
	b.WriteString("## 【命主信息概览】\n")
	if birth := req.Birth; !birth.Empty() {
		writeBullet(&b, "姓名", birth.Name)
		writeBullet(&b, "性别", birth.Gender)
		writeBullet(&b, "出生日期", birth.BirthDate)
		writeBullet(&b, "出生时间", birth.BirthTime)
		writeBullet(&b, "出生地点", birth.BirthPlace)
	} else {
		b.WriteString("* 暂未提供出生信息\n")
	}
	b.WriteString("\n## 【说明】\n")
	b.WriteString("当前无法连接分析服务，以下为本地生成的占位内容，请稍后重新登录后重试以获取完整解读。\n")
	b.WriteString("\n## 【成长建议】\n")
	b.WriteString("保持规律作息，多做自己感兴趣的事情，遇到困难时与家人沟通。\n")
	return b.String()
}

func writeBullet(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "* **%s**：%s\n", label, value)
}

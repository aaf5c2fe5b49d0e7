// 本文件用于把提问请求转换为机器人需要的消息列表
package bot

import (
	"fmt"
	"strings"

	"knowledge-card/internal/models"
)

const analysisSections = "【命主信息概览】（姓名、性别、出生日期、出生时间、八字、命宫主星、身宫）、【性格特点】、【核心特质】、【天赋才能】、" +
	"【学业方向】、【兴趣爱好】、【职业方向】、【适合行业】、【当前运势】、【未来展望】、【幸运元素】、【成长建议】、【流年运势】、【重要事件】"

// BuildPrompt 生成本轮用户消息。自由文本优先，否则按出生信息生成分析提示。
func BuildPrompt(req models.AskRequest) string {
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		return prompt
	}
	birth := req.Birth
	if birth.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("请根据以下出生信息进行八字命理分析，用 Markdown 小节输出：\n")
	writeLine(&b, "姓名", birth.Name)
	writeLine(&b, "性别", birth.Gender)
	if date := strings.TrimSpace(birth.BirthDate); date != "" {
		fmt.Fprintf(&b, "出生日期：%s（%s）\n", date, calendarLabel(birth.Calendar))
	}
	writeLine(&b, "出生时间", birth.BirthTime)
	writeLine(&b, "出生地点", birth.BirthPlace)
	b.WriteString("请依次包含以下小节：")
	b.WriteString(analysisSections)
	b.WriteString("。每个小节使用 **标签**：内容 的格式给出要点。")
	return b.String()
}

// BuildMessages 历史消息保留最近 maxHistory 条，再追加本轮提问
func BuildMessages(req models.AskRequest, maxHistory int) []models.ChatMessage {
	history := req.History
	if maxHistory >= 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	messages := make([]models.ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, models.ChatMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			ContentType: firstNonEmpty(msg.ContentType, "text"),
			Type:        historyType(msg),
		})
	}
	return append(messages, models.ChatMessage{
		Role:        "user",
		Content:     BuildPrompt(req),
		ContentType: "text",
		Type:        "question",
	})
}

func historyType(msg models.ChatMessage) string {
	if msg.Type != "" {
		return msg.Type
	}
	if msg.Role == "assistant" {
		return "answer"
	}
	return "question"
}

func calendarLabel(calendar string) string {
	if strings.EqualFold(strings.TrimSpace(calendar), "lunar") {
		return "农历"
	}
	return "公历"
}

func writeLine(b *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s：%s\n", label, value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"knowledge-card/internal/card"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	deltaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// printCard 以终端友好的方式输出卡片摘要
func printCard(w io.Writer, kc card.KnowledgeCard) {
	fmt.Fprintln(w, headerStyle.Render("知识卡片"))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("ID:"), idStyle.Render(kc.ID))
	if kc.URL != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("地址:"), kc.URL)
	}

	completeness := fmt.Sprintf("%.0f%%", kc.Completeness*100)
	switch {
	case !kc.Decision.Render, kc.Decision.Warn:
		fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render("完整度:"), warnStyle.Render(completeness), kc.Decision.Reason)
	default:
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("完整度:"), okStyle.Render(completeness))
	}

	for _, group := range kc.Groups {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render(group.Title))
		for _, item := range group.Items {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(item.Label+":"), item.Value)
		}
	}
	if len(kc.Sections) > 0 {
		titles := make([]string, 0, len(kc.Sections))
		for _, s := range kc.Sections {
			titles = append(titles, s.Title)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("小节:"), strings.Join(titles, " / "))
	}
	if len(kc.Missing) > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("缺失:"), strings.Join(kc.Missing, "、"))
	}
}

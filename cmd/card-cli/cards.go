package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"knowledge-card/internal/store"
)

func newCardsCmd(opts *rootOptions, stdout io.Writer) *cobra.Command {
	var query store.ListQuery
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "列出本地库中的知识卡片",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return failed(err)
			}
			st, err := store.Open(cfg.DataDir, cfg.HistoryMaxMessages)
			if err != nil {
				return failed(err)
			}
			defer st.Close()

			items, total, err := st.ListCards(cmd.Context(), query)
			if err != nil {
				return failed(err)
			}
			if total == 0 {
				fmt.Fprintln(stdout, labelStyle.Render("暂无卡片"))
				return nil
			}
			fmt.Fprintln(stdout, headerStyle.Render(fmt.Sprintf("知识卡片 共 %d 张", total)))
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\t姓名\t完整度\t创建时间\t地址")
			for _, item := range items {
				completeness := okStyle.Render(fmt.Sprintf("%.0f%%", item.Completeness*100))
				if item.Warn || !item.Render {
					completeness = warnStyle.Render(fmt.Sprintf("%.0f%%", item.Completeness*100))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					idStyle.Render(item.ID),
					titleStyle.Render(orDash(item.Name)),
					completeness,
					item.CreatedAt.Local().Format("2006-01-02 15:04"),
					orDash(item.URL),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&query.Name, "name", "", "按姓名模糊过滤")
	cmd.Flags().StringVar(&query.SessionID, "session", "", "按会话 ID 过滤")
	cmd.Flags().BoolVar(&query.RenderOnly, "render-only", false, "只列出可渲染的卡片")
	cmd.Flags().IntVar(&query.Page, "page", 1, "页码")
	cmd.Flags().IntVar(&query.PageSize, "page-size", 20, "每页数量，最大 100")
	return cmd
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"knowledge-card/internal/card"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/inbox"
)

func newExtractCmd(opts *rootOptions, stdout io.Writer) *cobra.Command {
	var (
		asJSON   bool
		htmlPath string
	)
	cmd := &cobra.Command{
		Use:   "extract <file|->",
		Short: "对已有回答或 SSE 记录离线提取卡片",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return failed(err)
			}
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return failed(err)
			}
			text, _ := inbox.DecodeText(data)
			kc := card.Assemble("", extract.Analyze(text), cfg.RenderMinCompleteness, time.Now())

			if htmlPath != "" {
				page, err := card.RenderHTML(kc)
				if err != nil {
					return failed(err)
				}
				if err := os.WriteFile(htmlPath, []byte(page), 0o644); err != nil {
					return failed(fmt.Errorf("写入页面失败: %w", err))
				}
			}
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(kc); err != nil {
					return failed(err)
				}
			} else {
				printCard(stdout, kc)
			}
			if !kc.Decision.Render {
				return failed(fmt.Errorf("没有可展示的内容"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出卡片")
	cmd.Flags().StringVar(&htmlPath, "html", "", "同时把卡片页面写到指定文件")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return data, nil
}

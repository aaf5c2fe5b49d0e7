package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"knowledge-card/internal/inbox"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/publish"
	"knowledge-card/internal/store"
)

// newWatchCmd 单独运行收件箱，不启动 HTTP 服务也不需要机器人令牌
func newWatchCmd(opts *rootOptions, stderr io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "监控收件箱目录，把新文件离线提取为卡片",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return failed(err)
			}
			if dir != "" {
				cfg.InboxDir = dir
			}
			if cfg.InboxDir == "" {
				return fmt.Errorf("需要 --dir 或配置 inbox_dir")
			}
			logger.SetOutput(stderr)

			st, err := store.Open(cfg.DataDir, cfg.HistoryMaxMessages)
			if err != nil {
				return failed(err)
			}
			defer st.Close()

			var publisher inbox.Publisher
			if cfg.OSSEnabled {
				p, err := publish.NewPublisher(cfg)
				if err != nil {
					return failed(err)
				}
				publisher = p
			}
			processor := inbox.NewProcessor(st, publisher, cfg.RenderMinCompleteness, true)
			pool := inbox.NewWorkerPool(cfg.InboxWorkers, 0, processor.Process)
			watcher, err := inbox.NewWatcher(cfg.InboxDir, cfg.InboxExt, 0, pool)
			if err != nil {
				pool.ShutdownNow()
				return failed(err)
			}
			if err := watcher.Start(); err != nil {
				_ = watcher.Close()
				pool.ShutdownNow()
				return failed(err)
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)
			select {
			case <-signals:
			case <-cmd.Context().Done():
			}
			logger.Info("收到退出信号，正在关闭收件箱...")
			if err := watcher.Close(); err != nil {
				logger.Warn("关闭收件箱监控失败: %v", err)
			}
			pool.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "收件箱目录，默认取配置 inbox_dir")
	return cmd
}

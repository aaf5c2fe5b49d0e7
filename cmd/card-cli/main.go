// 本文件用于知识卡片命令行工具入口
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"knowledge-card/internal/config"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/telemetry"
	"knowledge-card/pkg/utils"
)

const (
	exitCodeOK       = 0
	exitCodeUsage    = 1
	exitCodeFailed   = 2
	exitCodeDegraded = 3
)

// exitError 携带退出码的错误
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func failed(err error) error {
	return &exitError{code: exitCodeFailed, err: err}
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitCodeOK
	}
	fmt.Fprintf(stderr, "card-cli 执行失败: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitCodeUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "card-cli",
		Short:         "命理知识卡片命令行工具",
		Long:          "向机器人提问并生成知识卡片，或对已有回答离线提取。",
		Version:       telemetry.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				logger.SetOutput(stderr)
				logger.SetLogLevel("debug")
				return
			}
			logger.SetOutput(io.Discard)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "配置文件路径")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出运行日志到 stderr")

	root.AddCommand(
		newAskCmd(opts, stdout, stderr),
		newExtractCmd(opts, stdout),
		newCardsCmd(opts, stdout),
		newWatchCmd(opts, stderr),
	)
	return root
}

// loadConfig 读取配置，文件不存在时使用默认值
func loadConfig(opts *rootOptions) (*models.Config, error) {
	if !utils.FileExists(opts.configPath) {
		return config.Defaults(), nil
	}
	return config.LoadConfig(opts.configPath)
}

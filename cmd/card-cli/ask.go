package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"knowledge-card/internal/auth"
	"knowledge-card/internal/bot"
	"knowledge-card/internal/card"
	"knowledge-card/internal/config"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/models"
	"knowledge-card/internal/service"
	"knowledge-card/internal/sse"
	"knowledge-card/internal/store"
	"knowledge-card/internal/stream"
)

type askOptions struct {
	prompt       string
	birth        models.BirthInfo
	userID       string
	conversation string
	asJSON       bool
	save         bool
}

func newAskCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	ask := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "向机器人提问并生成知识卡片",
		Long:  "流式输出回答到 stderr，结束后在 stdout 输出卡片。",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.AskRequest{
				Prompt:         ask.prompt,
				UserID:         ask.userID,
				ConversationID: ask.conversation,
			}
			if !ask.birth.Empty() {
				birth := ask.birth
				req.Birth = &birth
			}
			if req.Empty() {
				return fmt.Errorf("需要 --prompt 或出生信息")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return failed(err)
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return failed(err)
			}
			if req.UserID == "" {
				req.UserID = cfg.BotUserID
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAsk(ctx, cfg, req, ask, stdout, stderr)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&ask.prompt, "prompt", "p", "", "提问内容")
	flags.StringVar(&ask.birth.Name, "name", "", "姓名")
	flags.StringVar(&ask.birth.Gender, "gender", "", "性别")
	flags.StringVar(&ask.birth.BirthDate, "birth-date", "", "出生日期，例如 2020-05-01")
	flags.StringVar(&ask.birth.BirthTime, "birth-time", "", "出生时间，例如 08:30")
	flags.StringVar(&ask.birth.BirthPlace, "birth-place", "", "出生地")
	flags.StringVar(&ask.birth.Calendar, "calendar", "", "历法：solar 或 lunar")
	flags.StringVar(&ask.userID, "user", "", "用户 ID，默认取配置 bot_user_id")
	flags.StringVar(&ask.conversation, "conversation", "", "沿用已有会话 ID")
	flags.BoolVar(&ask.asJSON, "json", false, "以 JSON 输出卡片")
	flags.BoolVar(&ask.save, "save", false, "把会话与卡片保存到本地库")
	return cmd
}

func runAsk(ctx context.Context, cfg *models.Config, req models.AskRequest, ask *askOptions, stdout, stderr io.Writer) error {
	tokens, err := auth.FromConfig(cfg)
	if err != nil {
		return failed(err)
	}
	ctrl := service.BuildController(cfg, bot.NewClient(cfg), tokens, stream.Callbacks{
		OnState: func(prev, next stream.State) {
			switch next {
			case stream.StateConnecting, stream.StateError, stream.StateDegraded, stream.StateCancelled:
				fmt.Fprintln(stderr, deltaStyle.Render(fmt.Sprintf("[%s]", next)))
			}
		},
		OnMessage: func(ev sse.Event, buffer string) {
			fmt.Fprint(stderr, ev.Delta)
		},
	})

	if err := ctrl.Start(ctx, req); err != nil {
		return failed(err)
	}
	_, err = ctrl.Wait(ctx)
	for err != nil && ctx.Err() == nil && stream.IsRetryable(err) {
		fmt.Fprintln(stderr, warnStyle.Render(fmt.Sprintf("请求失败，准备重试: %v", err)))
		if rerr := ctrl.RetryLast(ctx); rerr != nil {
			err = rerr
			break
		}
		_, err = ctrl.Wait(ctx)
	}
	fmt.Fprintln(stderr)
	if ctx.Err() != nil {
		ctrl.Cancel()
		return failed(fmt.Errorf("已取消"))
	}
	if err != nil {
		return failed(err)
	}

	s := ctrl.Snapshot()
	kc := card.Assemble(s.ID, extract.Analyze(s.Buffer), cfg.RenderMinCompleteness, time.Now())
	if ask.save {
		if err := saveResult(ctx, cfg, s, kc); err != nil {
			return failed(err)
		}
	}
	if ask.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(kc); err != nil {
			return failed(err)
		}
	} else {
		printCard(stdout, kc)
	}
	if s.State == stream.StateDegraded {
		return &exitError{code: exitCodeDegraded, err: fmt.Errorf("鉴权失败，已输出兜底回答: %v", s.Err)}
	}
	return nil
}

func saveResult(ctx context.Context, cfg *models.Config, s stream.Session, kc card.KnowledgeCard) error {
	st, err := store.Open(cfg.DataDir, cfg.HistoryMaxMessages)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.SaveSession(ctx, s); err != nil {
		return err
	}
	if !kc.Decision.Render {
		return nil
	}
	return st.SaveCard(ctx, kc)
}

package service

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledge-card/internal/api"
	"knowledge-card/internal/auth"
	"knowledge-card/internal/bot"
	"knowledge-card/internal/config"
	"knowledge-card/internal/history"
	"knowledge-card/internal/inbox"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/publish"
	"knowledge-card/internal/store"
	"knowledge-card/internal/stream"
)

// CardService 知识卡片服务
/**
字段含义：
store：本地 sqlite，保存会话 卡片，history_backend=sqlite 时也保存对话历史。
history：对话历史，sqlite 或 redis。
client：机器人接口客户端，同时实现流式与轮询两种取数方式。
publisher：卡片页面发布到 OSS，未开启时为空。
inboxPool/watcher：收件箱离线提取，未配置 inbox_dir 时为空。
*/
type CardService struct {
	config     *models.Config
	configPath string
	store      *store.Store
	history    history.Store
	redis      *redis.Client
	client     *bot.Client
	tokens     auth.TokenSource
	publisher  *publish.Publisher
	inboxPool  *inbox.WorkerPool
	watcher    *inbox.Watcher
}

// inboxSettle 收件箱写入完成的判定间隔，零值使用监控器默认值
var inboxSettle time.Duration

// NewCardService 构造并初始化 CardService 的所有依赖
func NewCardService(config *models.Config, configPath string) (*CardService, error) {
	tokens, err := auth.FromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("初始化访问令牌失败: %w", err)
	}

	st, err := store.Open(config.DataDir, config.HistoryMaxMessages)
	if err != nil {
		return nil, fmt.Errorf("初始化本地存储失败: %w", err)
	}

	service := &CardService{
		config:     config,
		configPath: configPath,
		store:      st,
		history:    st,
		client:     bot.NewClient(config),
		tokens:     tokens,
	}

	if config.HistoryBackend == models.HistoryBackendRedis {
		rdb, err := history.NewRedisClient(config)
		if err != nil {
			service.closeStores()
			return nil, fmt.Errorf("初始化 Redis 客户端失败: %w", err)
		}
		service.redis = rdb
		service.history = history.NewRedisStore(rdb, config.HistoryMaxMessages)
	}

	if config.OSSEnabled {
		publisher, err := publish.NewPublisher(config)
		if err != nil {
			service.closeStores()
			return nil, fmt.Errorf("初始化 OSS 发布失败: %w", err)
		}
		service.publisher = publisher
	}

	if config.InboxDir != "" {
		// 接口值为空时处理器不发布
		var publisher inbox.Publisher
		if service.publisher != nil {
			publisher = service.publisher
		}
		processor := inbox.NewProcessor(st, publisher, config.RenderMinCompleteness, true)
		service.inboxPool = inbox.NewWorkerPool(config.InboxWorkers, 0, processor.Process)
		watcher, err := inbox.NewWatcher(config.InboxDir, config.InboxExt, inboxSettle, service.inboxPool)
		if err != nil {
			service.inboxPool.ShutdownNow()
			service.closeStores()
			return nil, fmt.Errorf("初始化收件箱监控失败: %w", err)
		}
		service.watcher = watcher
	}

	return service, nil
}

// NewController 按当前配置创建控制器，poll 模式下用轮询传输代替流式接口
func (cs *CardService) NewController(cfg *models.Config, callbacks stream.Callbacks) *stream.Controller {
	return BuildController(cfg, cs.client, cs.tokens, callbacks)
}

// BuildController 组装控制器，命令行工具也复用这里
func BuildController(cfg *models.Config, client *bot.Client, tokens stream.TokenSource, callbacks stream.Callbacks) *stream.Controller {
	var transport stream.Transport = client
	if cfg.BotMode == models.BotModePoll {
		transport = stream.NewPollingTransport(client, config.PollInterval(cfg), cfg.PollMaxAttempts)
	}
	return stream.NewController(transport, tokens, stream.Options{
		Timeout:    config.StreamTimeout(cfg),
		MaxRetries: cfg.StreamMaxRetries,
		RetryDelay: config.StreamRetryDelay(cfg),
		Callbacks:  callbacks,
	})
}

// APIDeps 提供 HTTP 服务需要的依赖
func (cs *CardService) APIDeps() api.Deps {
	deps := api.Deps{
		Config:        cs.config,
		ConfigPath:    cs.configPath,
		NewController: cs.NewController,
		Store:         cs.store,
		History:       cs.history,
	}
	if cs.publisher != nil {
		deps.Publisher = cs.publisher
	}
	if cs.inboxPool != nil {
		deps.Inbox = cs.inboxPool
	}
	return deps
}

// Start 启动收件箱监控
func (cs *CardService) Start() error {
	logger.Info("启动知识卡片服务...")
	if cs.watcher != nil {
		if err := cs.watcher.Start(); err != nil {
			return fmt.Errorf("启动收件箱监控失败: %w", err)
		}
	}
	logger.Info("知识卡片服务启动成功")
	return nil
}

// Stop 先停监控再排空工作池，最后关闭存储
func (cs *CardService) Stop() error {
	logger.Info("停止知识卡片服务...")
	if cs.watcher != nil {
		if err := cs.watcher.Close(); err != nil {
			logger.Error("关闭收件箱监控失败: %v", err)
		}
	}
	if cs.inboxPool != nil {
		cs.inboxPool.Shutdown()
	}
	cs.closeStores()
	logger.Info("知识卡片服务已停止")
	return nil
}

// Store 本地存储
func (cs *CardService) Store() *store.Store {
	return cs.store
}

// GetStats 收件箱队列状态
func (cs *CardService) GetStats() models.InboxStats {
	if cs.inboxPool != nil {
		return cs.inboxPool.Stats()
	}
	return models.InboxStats{}
}

func (cs *CardService) closeStores() {
	if cs.redis != nil {
		if err := cs.redis.Close(); err != nil {
			logger.Warn("关闭 Redis 连接失败: %v", err)
		}
	}
	if cs.store != nil {
		if err := cs.store.Close(); err != nil {
			logger.Warn("关闭本地存储失败: %v", err)
		}
	}
}

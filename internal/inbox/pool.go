package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/models"
)

var (
	ErrQueueFull   = errors.New("收件箱队列已满")
	ErrPoolStopped = errors.New("收件箱工作池已关闭")
)

// ProcessFunc 处理一个收件箱文件
type ProcessFunc func(ctx context.Context, filePath string) error

// WorkerPool 收件箱工作池
type WorkerPool struct {
	queue    chan string
	workers  int
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	process  ProcessFunc
	inFlight atomic.Int64

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建收件箱工作池
func NewWorkerPool(workers, queueSize int, process ProcessFunc) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		queue:   make(chan string, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		process: process,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	logger.Info("收件箱工作池已启动，工作协程数: %d, 队列大小: %d", workers, queueSize)
	pool.publishStats()
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case filePath, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(id, filePath)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) handle(id int, filePath string) {
	p.inFlight.Add(1)
	p.publishStats()
	defer func() {
		p.inFlight.Add(-1)
		p.publishStats()
	}()

	logger.Info("工作协程 %d 开始处理文件: %s", id, filePath)
	startTime := time.Now()
	err := p.process(p.ctx, filePath)
	metrics.Global().ObserveInbox(err == nil)
	if err != nil {
		logger.Error("工作协程 %d 处理文件失败: %s, 错误: %v", id, filePath, err)
		return
	}
	logger.Info("工作协程 %d 处理文件完成: %s, 耗时: %v", id, filePath, time.Since(startTime))
}

// AddFile 添加文件到队列，队列满或已关闭时返回错误
func (p *WorkerPool) AddFile(filePath string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- filePath:
		logger.Debug("文件已加入收件箱队列: %s", filePath)
		p.publishStats()
		return nil
	default:
		logger.Warn("收件箱队列已满，无法添加文件: %s", filePath)
		return ErrQueueFull
	}
}

// Shutdown 停止接收新文件，等待队列中的文件处理完
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	logger.Info("正在关闭收件箱工作池...")
	p.wg.Wait()
	p.cancel()
	p.publishStats()
	logger.Info("收件箱工作池已关闭")
}

// ShutdownNow 取消正在处理的文件并立即退出
func (p *WorkerPool) ShutdownNow() {
	p.cancel()
	p.Shutdown()
}

// Stats 获取队列状态
func (p *WorkerPool) Stats() models.InboxStats {
	return models.InboxStats{
		QueueLength: len(p.queue),
		Workers:     p.workers,
		InFlight:    int(p.inFlight.Load()),
	}
}

func (p *WorkerPool) publishStats() {
	metrics.Global().SetInboxStats(p.Stats())
}

package inbox

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"knowledge-card/internal/logger"
)

const (
	logThrottleDuration = 5 * time.Second
	defaultSettle       = 2 * time.Second
)

// Enqueuer 接收写入完成的文件
type Enqueuer interface {
	AddFile(filePath string) error
}

// Watcher 监控收件箱目录，文件写入停止 settle 时长后交给工作池
// 只监控目录本身，不递归子目录，处理完的文件移入子目录后不会再次触发
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	exts    map[string]bool
	settle  time.Duration
	pool    Enqueuer

	stateMutex    sync.Mutex
	lastLogged    map[string]time.Time
	lastWriteTime map[string]time.Time
	writeTimers   map[string]*time.Timer
	started       bool
	closed        bool
	done          chan struct{}
}

// NewWatcher 创建收件箱监控器，exts 为逗号分隔的扩展名
func NewWatcher(dir, exts string, settle time.Duration, pool Enqueuer) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Watcher{
		watcher:       watcher,
		dir:           dir,
		exts:          parseExts(exts),
		settle:        settle,
		pool:          pool,
		lastLogged:    make(map[string]time.Time),
		lastWriteTime: make(map[string]time.Time),
		writeTimers:   make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}, nil
}

// Start 加入目录监控，并把启动前已存在的文件入队
func (w *Watcher) Start() error {
	logger.Info("开始监控收件箱目录: %s", w.dir)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		logger.Error("添加目录监控失败: %v", err)
		return err
	}
	w.stateMutex.Lock()
	w.started = true
	w.stateMutex.Unlock()
	go w.handleEvents()
	w.scanExisting()
	logger.Info("收件箱监控启动成功，等待文件...")
	return nil
}

// Close 关闭监控器并停止所有写入完成检测定时器
func (w *Watcher) Close() error {
	w.stateMutex.Lock()
	if w.closed {
		w.stateMutex.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.writeTimers {
		t.Stop()
	}
	w.writeTimers = make(map[string]*time.Timer)
	started := w.started
	w.stateMutex.Unlock()

	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}

func (w *Watcher) handleEvents() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("收件箱监控错误: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	logger.Debug("收到文件事件: %s, 操作: %s", event.Name, event.Op.String())
	if !w.isTargetFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if w.shouldLogFileEvent(event.Name) {
		logger.Info("检测到收件箱文件变化: %s, 操作: %s", event.Name, event.Op.String())
	}
	w.touch(event.Name)
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn("读取收件箱目录失败: %s, 错误: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.isTargetFile(path) {
			w.touch(path)
		}
	}
}

func (w *Watcher) isTargetFile(path string) bool {
	if isTempFile(path) {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

// touch 刷新文件最后写入时间并重置写入完成检测
func (w *Watcher) touch(filePath string) {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	if w.closed {
		return
	}
	w.lastWriteTime[filePath] = time.Now()
	if timer, exists := w.writeTimers[filePath]; exists {
		timer.Stop()
	}
	w.writeTimers[filePath] = time.AfterFunc(w.settle, func() {
		w.handleWriteComplete(filePath)
	})
}

func (w *Watcher) handleWriteComplete(filePath string) {
	w.stateMutex.Lock()
	lastWrite, ok := w.lastWriteTime[filePath]
	if !ok || w.closed || time.Since(lastWrite) < w.settle {
		w.stateMutex.Unlock()
		return
	}
	delete(w.lastWriteTime, filePath)
	delete(w.writeTimers, filePath)
	delete(w.lastLogged, filePath)
	w.stateMutex.Unlock()

	logger.Info("文件写入完成: %s (超过 %v 无新写入)", filePath, w.settle)
	if err := w.pool.AddFile(filePath); err != nil {
		logger.Error("无法将文件加入收件箱队列: %s, 错误: %v", filePath, err)
	}
}

func (w *Watcher) shouldLogFileEvent(filePath string) bool {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()

	if lastTime, ok := w.lastLogged[filePath]; !ok || time.Since(lastTime) > logThrottleDuration {
		w.lastLogged[filePath] = time.Now()
		return true
	}
	return false
}

func parseExts(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = true
	}
	return out
}

// isTempFile 编辑器与下载工具的临时文件不处理
func isTempFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if base == "." || base == "/" || base == "" {
		return false
	}
	for _, suffix := range []string{".tmp", ".part", ".crdownload", ".download", ".swp", ".swx", ".swpx"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return strings.HasPrefix(base, ".~") || strings.HasSuffix(base, "~")
}

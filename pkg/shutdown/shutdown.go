package shutdown

import (
	"context"
	"sort"
	"sync"

	"github.com/betbot/arena/pkg/logger"
)

// Handler 关闭处理函数，应在 ctx 到期前返回
type Handler func(ctx context.Context)

// 阶段：数值小的先执行。同一阶段内并发执行。
const (
	StageTasks   = 10 // 停止 bot 任务 / 等待进化周期
	StageServers = 20 // HTTP / websocket
	StageStorage = 30 // 账本、密钥库等存储最后关闭
)

type entry struct {
	stage   int
	name    string
	handler Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu        sync.Mutex
	callbacks []entry
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(stage int, name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, entry{stage: stage, name: name, handler: handler})
}

// Shutdown 按阶段执行所有关闭回调（阻塞调用，只执行一次）。
// ctx 应该带超时，超时后剩余阶段不再等待。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() { m.shutdown(ctx) })
}

func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := append([]entry(nil), m.callbacks...)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("没有注册的关闭回调")
		return
	}
	sort.SliceStable(callbacks, func(i, j int) bool { return callbacks[i].stage < callbacks[j].stage })
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	for start := 0; start < len(callbacks); {
		end := start
		for end < len(callbacks) && callbacks[end].stage == callbacks[start].stage {
			end++
		}
		if !runStage(ctx, callbacks[start:end]) {
			logger.Warnf("关闭超时: %v", ctx.Err())
			return
		}
		start = end
	}
	logger.Info("所有关闭回调已完成")
}

func runStage(ctx context.Context, stage []entry) bool {
	var wg sync.WaitGroup
	wg.Add(len(stage))
	for _, e := range stage {
		go func(e entry) {
			defer wg.Done()
			logger.Debugf("shutdown: %s", e.name)
			e.handler(ctx)
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

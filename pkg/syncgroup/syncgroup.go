package syncgroup

import (
	"sync"
)

type syncGroupFunc func()

// SyncGroup 是 sync.WaitGroup 的包装器，简化 goroutine 生命周期管理。
// 自动管理 Add() 和 Done()，并记录命名任务的存活状态，
// 允许在运行期间动态加入新的任务（例如进化后新 bot 的 runner）。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []syncGroupFunc
	running map[string]struct{}
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]struct{})}
}

// Add 添加一个待启动的函数，由 Run() 统一启动
func (w *SyncGroup) Add(fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, fn)
	w.mu.Unlock()
}

// Run 启动所有已添加的函数并清空待启动列表
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, fn := range fns {
		w.wg.Add(1)
		go func(doFunc syncGroupFunc) {
			defer w.wg.Done()
			doFunc()
		}(fn)
	}
}

// Go 立即启动一个命名任务。同名任务仍在运行时返回 false。
func (w *SyncGroup) Go(name string, fn syncGroupFunc) bool {
	if fn == nil {
		return false
	}
	w.mu.Lock()
	if _, ok := w.running[name]; ok {
		w.mu.Unlock()
		return false
	}
	w.running[name] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.running, name)
			w.mu.Unlock()
			w.wg.Done()
		}()
		fn()
	}()
	return true
}

// Running 命名任务是否仍在运行
func (w *SyncGroup) Running(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[name]
	return ok
}

// Count 当前运行中的命名任务数量
func (w *SyncGroup) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Wait 等待所有 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}

// WaitAndClear 等待所有 goroutine 完成并清空待启动列表
func (w *SyncGroup) WaitAndClear() {
	w.wg.Wait()
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}

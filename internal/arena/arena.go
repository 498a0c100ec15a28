package arena

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/decision"
	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/internal/risk"
	"github.com/betbot/arena/internal/strategy"
	"github.com/betbot/arena/pkg/sigchan"
	"github.com/betbot/arena/pkg/syncgroup"
)

// Population 当前活跃种群
type Population interface {
	ActiveBots(ctx context.Context) ([]domain.BotConfig, error)
}

// BotLifecycle 风控侧的 bot 生命周期钩子
type BotLifecycle interface {
	Warmup(ctx context.Context, botID string) error
	Forget(botID string)
	PausedBots() map[string]risk.Pause
}

// EngineFactory 根据 bot 配置构造决策引擎
type EngineFactory func(bot domain.BotConfig) (Decider, error)

// DecisionFactory 默认工厂：策略 + 共享模型 + 辅助信号源
func DecisionFactory(model decision.Predictor, cfg decision.Config, providers ...ports.SignalProvider) EngineFactory {
	return func(bot domain.BotConfig) (Decider, error) {
		kind, err := strategy.ParseKind(bot.StrategyKind)
		if err != nil {
			return nil, errors.Wrapf(err, "bot %s", bot.BotID)
		}
		strat, err := strategy.New(kind, bot.Params)
		if err != nil {
			return nil, errors.Wrapf(err, "bot %s", bot.BotID)
		}
		return decision.New(bot, strat, model, cfg, providers...), nil
	}
}

// Arena 管理所有 bot runner。进化周期结束后按新种群增删 runner。
type Arena struct {
	population Population
	lifecycle  BotLifecycle
	factory    EngineFactory
	deps       Deps
	cfg        RunnerConfig

	group  *syncgroup.SyncGroup
	reload *sigchan.Chan

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	runCtx  context.Context
}

func New(population Population, lifecycle BotLifecycle, factory EngineFactory, deps Deps, cfg RunnerConfig) *Arena {
	return &Arena{
		population: population,
		lifecycle:  lifecycle,
		factory:    factory,
		deps:       deps,
		cfg:        cfg,
		group:      syncgroup.NewSyncGroup(),
		reload:     sigchan.New(1),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// RequestReload 异步请求重载种群（进化钩子里调用，不阻塞进化 goroutine）
func (a *Arena) RequestReload() {
	a.reload.Emit()
}

// Running 正在运行的 bot
func (a *Arena) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.cancels))
	for id := range a.cancels {
		out = append(out, id)
	}
	return out
}

// Run 加载种群并阻塞，直到 ctx 取消后等待所有 runner 退出
func (a *Arena) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	if err := a.Reload(ctx); err != nil {
		return err
	}
	gauge := time.NewTicker(30 * time.Second)
	defer gauge.Stop()
	for {
		select {
		case <-ctx.Done():
			a.stopAll()
			a.group.Wait()
			log.Infof("所有 runner 已退出")
			return nil
		case <-a.reload.C():
			if err := a.Reload(ctx); err != nil {
				log.Errorf("重载种群失败: %v", err)
			}
		case <-gauge.C:
			if a.lifecycle != nil {
				metrics.PausedBots.Set(float64(len(a.lifecycle.PausedBots())))
			}
		}
	}
}

// Reload 对齐 runner 与活跃种群：停掉被淘汰的，启动新加入的
func (a *Arena) Reload(ctx context.Context) error {
	bots, err := a.population.ActiveBots(ctx)
	if err != nil {
		return errors.Wrap(err, "load population")
	}
	metrics.PopulationLoads.Add(1)

	active := make(map[string]domain.BotConfig, len(bots))
	for _, b := range bots {
		active[b.BotID] = b
	}

	a.mu.Lock()
	parent := a.runCtx
	if parent == nil {
		parent = ctx
	}
	var stopped []string
	for id, cancel := range a.cancels {
		if _, ok := active[id]; !ok {
			cancel()
			delete(a.cancels, id)
			stopped = append(stopped, id)
		}
	}
	var toStart []domain.BotConfig
	for _, b := range bots {
		if _, ok := a.cancels[b.BotID]; !ok {
			toStart = append(toStart, b)
		}
	}
	a.mu.Unlock()

	for _, id := range stopped {
		if a.lifecycle != nil {
			a.lifecycle.Forget(id)
		}
		log.Infof("停止 runner bot=%s（已淘汰）", id)
	}

	started := 0
	for _, b := range toStart {
		if err := a.start(ctx, parent, b); err != nil {
			log.Errorf("启动 runner 失败 bot=%s: %v", b.BotID, err)
			continue
		}
		started++
	}
	metrics.ActiveBots.Set(float64(len(active)))
	log.Infof("种群已加载: active=%d started=%d stopped=%d", len(active), started, len(stopped))
	return nil
}

func (a *Arena) start(ctx, parent context.Context, b domain.BotConfig) error {
	engine, err := a.factory(b)
	if err != nil {
		return err
	}
	if a.lifecycle != nil {
		if err := a.lifecycle.Warmup(ctx, b.BotID); err != nil {
			log.Warnf("预热风控失败 bot=%s: %v", b.BotID, err)
		}
	}
	runner := NewRunner(engine, a.deps, a.cfg)
	rctx, cancel := context.WithCancel(parent)

	a.mu.Lock()
	a.cancels[b.BotID] = cancel
	a.mu.Unlock()

	// 同名 runner 还没退出（刚被淘汰又被选回）时等下一次重载
	if !a.group.Go(b.BotID, func() { runner.Run(rctx) }) {
		cancel()
		a.mu.Lock()
		delete(a.cancels, b.BotID)
		a.mu.Unlock()
		a.RequestReload()
		return errors.Errorf("runner %s still stopping", b.BotID)
	}
	return nil
}

func (a *Arena) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
}

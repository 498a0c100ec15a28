package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/betbot/arena/internal/arena"
	"github.com/betbot/arena/internal/controlplane/server"
	"github.com/betbot/arena/internal/decision"
	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/evolution"
	"github.com/betbot/arena/internal/execution"
	"github.com/betbot/arena/internal/feed"
	"github.com/betbot/arena/internal/gateway"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/logger"
	"github.com/betbot/arena/pkg/shutdown"
	"github.com/betbot/arena/pkg/syncgroup"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the arena: bot runners, resolver, evolution, feed and control plane",
	RunE:  runArena,
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown budget")
}

func runArena(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if a.client == nil {
		a.Close()
		return errors.New("gateway.base_url is required to discover and resolve markets")
	}
	logger.Infof("🚀 arena 启动 mode=%s population=%d tick=%s", a.mode, cfg.Arena.Population, cfg.TickInterval())
	logger.StartDailyRotation(ctx.Done())

	if cfg.Metrics.Enabled {
		if _, err := metrics.StartAsync(ctx, cfg.Metrics.Addr); err != nil {
			logger.Warnf("metrics 服务启动失败 %s: %v", cfg.Metrics.Addr, err)
		} else {
			logger.Infof("metrics: http://%s/metrics", cfg.Metrics.Addr)
		}
	}

	if _, created, err := arena.Seed(ctx, a.store, cfg.Arena.Population, time.Now()); err != nil {
		a.Close()
		return err
	} else if created {
		logger.Infof("首次启动，已写入第 0 代种群")
	}

	group := syncgroup.NewSyncGroup()

	var (
		books arena.Books
		flow  gateway.OrderFlowSource
	)
	if cfg.Feed.Enabled {
		fc := feed.NewClient(feed.ConfigFrom(cfg.Feed), a.notifier)
		books = arena.NewFeedBooks(fc, 30*time.Second)
		flow = fc.State()
		group.Add(func() { fc.Run(ctx) })
	}

	var signalClient = a.client
	if !cfg.Gateway.RemoteSignals {
		signalClient = nil
	}
	signals := gateway.NewSignalSource(signalClient, flow)
	providers := make([]ports.SignalProvider, 0, len(cfg.Gateway.SignalProviders))
	for _, name := range cfg.Gateway.SignalProviders {
		providers = append(providers, gateway.NewHTTPProvider(name, a.client))
	}

	var orders ports.OrderGateway
	if a.mode == domain.ModeLive {
		orders = gateway.NewHTTPGateway(a.client, a.secrets, gateway.ConfigFrom(cfg.Gateway))
	} else {
		orders = gateway.NewPaperGateway()
	}
	exec := execution.New(orders, execution.ConfigFrom(cfg.Execution),
		execution.WithDeduper(execution.NewInFlightDeduper(15*time.Minute, 64)))

	markets := arena.NewCachedMarkets(gateway.NewHTTPMarketSource(a.client), 20*time.Second)
	deps := arena.Deps{
		Markets:  markets,
		Signals:  signals,
		Books:    books,
		Ledger:   a.store,
		Risk:     a.risk,
		Exec:     exec,
		Notifier: a.notifier,
		Mode:     a.mode,
	}
	factory := arena.DecisionFactory(a.model, decision.ConfigFor(a.mode, cfg.Decision), providers...)
	ar := arena.New(a.store, a.risk, factory, deps, arena.RunnerConfig{
		Tick:       cfg.TickInterval(),
		MaxMarkets: cfg.Arena.MaxMarketsPerTick,
	})
	a.evo.OnCycle(func(res evolution.CycleResult) {
		logger.Infof("进化周期 %s 完成，重载种群 (+%d -%d)", res.CycleID, len(res.Offspring), len(res.Replaced))
		ar.RequestReload()
	})

	resolver := arena.NewResolver(a.store, gateway.NewHTTPResolutionSource(a.client), a.model, a.risk, a.evo, a.notifier,
		arena.ResolverConfig{Poll: time.Duration(cfg.Arena.ResolvePollSec) * time.Second})

	group.Add(func() {
		if err := ar.Run(ctx); err != nil {
			logger.Errorf("arena 退出: %v", err)
			stop()
		}
	})
	group.Add(func() { resolver.Run(ctx) })
	group.Add(func() { a.evo.Run(ctx) })
	if cfg.ControlPlane.Enabled {
		cp := server.New(a.evo, a.risk, a.store)
		group.Add(func() {
			if err := cp.Run(ctx, cfg.ControlPlane.Addr); err != nil {
				logger.Errorf("控制面退出: %v", err)
			}
		})
	}
	group.Run()

	<-ctx.Done()
	logger.Infof("收到退出信号，开始优雅关闭...")

	sm := shutdown.NewManager()
	sm.OnShutdown(shutdown.StageTasks, "runners", func(context.Context) { group.Wait() })
	sm.OnShutdown(shutdown.StageTasks, "evolution", func(context.Context) { a.evo.Wait() })
	sm.OnShutdown(shutdown.StageStorage, "markets-cache", func(context.Context) { markets.Close() })
	sm.OnShutdown(shutdown.StageStorage, "app", func(context.Context) { a.Close() })

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sm.Shutdown(sctx)
	logger.Infof("arena 已停止")
	return nil
}

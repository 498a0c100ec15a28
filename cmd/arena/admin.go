package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/betbot/arena/internal/arena"
	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/risk"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one manual evolution cycle and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.evo.RunCycle(ctx, domain.TriggerManual)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var resetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Reset the daily loss window and clear daily-loss pauses",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.risk.ResetDaily(ctx); err != nil {
				return err
			}
			cutoff, err := a.risk.DailyCutoff(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"daily_cutoff": cutoff})
		})
	},
}

type statusView struct {
	Evolution domain.EvolutionState `json:"evolution"`
	Limits    domain.RiskLimits     `json:"limits"`
	Bots      []domain.BotConfig    `json:"bots"`
	Paused    map[string]risk.Pause `json:"paused"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print evolution state, risk limits and the active population",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			limits, err := a.risk.Limits(ctx)
			if err != nil {
				return err
			}
			bots, err := a.store.ActiveBots(ctx)
			if err != nil {
				return err
			}
			return printJSON(statusView{
				Evolution: a.evo.Status(),
				Limits:    limits,
				Bots:      bots,
				Paused:    a.risk.PausedBots(),
			})
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the generation-0 population if the ledger has none",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			bots, created, err := arena.Seed(ctx, a.store, a.cfg.Arena.Population, time.Now())
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"created": created, "bots": bots})
		})
	},
}

var setKeyCmd = &cobra.Command{
	Use:   "set-key <bot_id> <api_key>",
	Short: "Store a bot's gateway API key in the local secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		store, err := openSecrets(cfg.Secrets)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SetBotKey(args[0], args[1]); err != nil {
			return errors.Wrapf(err, "set key for %s", args[0])
		}
		cmd.Printf("已保存 %s 的 API key\n", args[0])
		return nil
	},
}

// withApp 一次性子命令：加载配置、构造服务、执行后关闭
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

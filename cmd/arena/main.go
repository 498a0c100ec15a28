package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/betbot/arena/pkg/config"
	"github.com/betbot/arena/pkg/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Multi-bot binary market trading arena",
	Long: `arena runs a population of trading bots against binary prediction markets.
Each bot decides with its own strategy and online edge model, every trade passes
shared risk limits, and the population is periodically evolved from ledger metrics.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 可选，缺失时直接用进程环境变量
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.yaml/.yml/.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, evolveCmd, resetDailyCmd, statusCmd, seedCmd, setKeyCmd)
}

// loadConfig 配置 + 日志初始化，所有子命令共用
func loadConfig(withFileLog bool) (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	lc := logger.Config{
		Level:       cfg.Log.Level,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
		RotateDaily: cfg.Log.RotateDaily,
	}
	if withFileLog {
		lc.OutputFile = cfg.Log.File
	}
	if err := logger.Init(lc); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ArenaConfig 竞技场运行配置
type ArenaConfig struct {
	Mode              string  `yaml:"mode" json:"mode"`                                 // paper | live
	TickIntervalSec   int     `yaml:"tick_interval_sec" json:"tick_interval_sec"`       // bot 轮询间隔（秒），默认45
	Population        int     `yaml:"population" json:"population"`                     // 种群规模，默认8
	StartingBalance   float64 `yaml:"starting_balance" json:"starting_balance"`         // 纸交易初始资金
	MaxMarketsPerTick int     `yaml:"max_markets_per_tick" json:"max_markets_per_tick"` // 每轮最多评估的市场数
	ResolvePollSec    int     `yaml:"resolve_poll_sec" json:"resolve_poll_sec"`         // 结算轮询间隔（秒）
}

// ModelConfig 在线 logistic 模型
type ModelConfig struct {
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	L2           float64 `yaml:"l2" json:"l2"`
	CacheTTLSec  int     `yaml:"cache_ttl_sec" json:"cache_ttl_sec"`
}

// DecisionConfig 决策引擎
type DecisionConfig struct {
	MinExpectedValue float64 `yaml:"min_expected_value" json:"min_expected_value"`
	KellyFraction    float64 `yaml:"kelly_fraction" json:"kelly_fraction"`
	PaperBuffer      float64 `yaml:"paper_entry_buffer" json:"paper_entry_buffer"`
	LiveBuffer       float64 `yaml:"live_entry_buffer" json:"live_entry_buffer"`
	PaperFee         float64 `yaml:"paper_fee_rate" json:"paper_fee_rate"`
	LiveFee          float64 `yaml:"live_fee_rate" json:"live_fee_rate"`
	BlendWeight      float64 `yaml:"blend_weight" json:"blend_weight"` // 辅助信号融合权重
	PaperMaxPosition float64 `yaml:"paper_max_position" json:"paper_max_position"`
	LiveMaxPosition  float64 `yaml:"live_max_position" json:"live_max_position"`
}

// RiskConfig 风控
type RiskConfig struct {
	MinTradeAmount       float64 `yaml:"min_trade_amount" json:"min_trade_amount"`
	MaxSpreadSum         float64 `yaml:"max_spread_sum" json:"max_spread_sum"` // yes_ask+no_ask 上限
	TradesPerHour        int     `yaml:"trades_per_hour" json:"trades_per_hour"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	LossPauseSec         int     `yaml:"loss_pause_sec" json:"loss_pause_sec"`
	DrawdownTrigger      float64 `yaml:"drawdown_trigger" json:"drawdown_trigger"` // 低于峰值的该比例时收紧
	MaxDrawdown          float64 `yaml:"max_drawdown" json:"max_drawdown"`
	LimitsTTLSec         int     `yaml:"limits_ttl_sec" json:"limits_ttl_sec"`
	DrawdownTradeScale   float64 `yaml:"drawdown_trade_scale" json:"drawdown_trade_scale"`
	DrawdownGlobalScale  float64 `yaml:"drawdown_global_scale" json:"drawdown_global_scale"`
}

// ExecutionConfig 执行引擎
type ExecutionConfig struct {
	DefaultStyle           string  `yaml:"default_order_type" json:"default_order_type"` // POST_ONLY | LIMIT | MARKET
	Urgency                string  `yaml:"urgency" json:"urgency"`                       // patient | normal
	MaxOrderSize           float64 `yaml:"max_order_size" json:"max_order_size"`
	MinOrderSize           float64 `yaml:"min_order_size" json:"min_order_size"`
	TakerFeeRate           float64 `yaml:"taker_fee_rate" json:"taker_fee_rate"`
	MakerRebateRate        float64 `yaml:"maker_rebate_rate" json:"maker_rebate_rate"`
	GasCostPerOrder        float64 `yaml:"gas_cost_per_order" json:"gas_cost_per_order"`
	MinEVAfterCosts        float64 `yaml:"min_ev_after_costs" json:"min_ev_after_costs"`
	TWAPSlices             int     `yaml:"twap_slices" json:"twap_slices"`
	TWAPIntervalSec        int     `yaml:"twap_interval_sec" json:"twap_interval_sec"`
	IcebergVisibleFraction float64 `yaml:"iceberg_visible_fraction" json:"iceberg_visible_fraction"`
	IcebergIntervalSec     int     `yaml:"iceberg_interval_sec" json:"iceberg_interval_sec"`
	IcebergMaxAttempts     int     `yaml:"iceberg_max_attempts" json:"iceberg_max_attempts"`
}

// EvolutionConfig 进化
type EvolutionConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	TriggerTrades     int     `yaml:"trigger_trades" json:"trigger_trades"`
	TargetTrades      int     `yaml:"target_trades" json:"target_trades"`
	CooldownHours     float64 `yaml:"cooldown_hours" json:"cooldown_hours"`
	SafetyNetHours    float64 `yaml:"safety_net_hours" json:"safety_net_hours"`
	SharpeKillSwitch  float64 `yaml:"sharpe_kill_switch" json:"sharpe_kill_switch"`
	Survivors         int     `yaml:"survivors" json:"survivors"`
	MutationRate      float64 `yaml:"mutation_rate" json:"mutation_rate"`
	WindowDays        int     `yaml:"window_days" json:"window_days"`
	MinResolvedTrades int     `yaml:"min_resolved_trades" json:"min_resolved_trades"`
	TickSec           int     `yaml:"tick_sec" json:"tick_sec"`
}

// LedgerConfig 账本存储
type LedgerConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn" json:"dsn"`
}

// GatewayConfig 下单网关
type GatewayConfig struct {
	BaseURL           string   `yaml:"base_url" json:"base_url"`
	TimeoutSec        int      `yaml:"timeout_sec" json:"timeout_sec"`
	RetryCount        int      `yaml:"retry_count" json:"retry_count"`
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `yaml:"burst" json:"burst"`
	BreakerFailures   int      `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerTimeoutSec int      `yaml:"breaker_timeout_sec" json:"breaker_timeout_sec"`
	RemoteSignals     bool     `yaml:"remote_signals" json:"remote_signals"`     // 从 /api/markets/{id}/signals 取历史与情绪
	SignalProviders   []string `yaml:"signal_providers" json:"signal_providers"` // whale / bayes / sentiment ...
}

// FeedConfig 订单流 websocket
type FeedConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	URL            string `yaml:"url" json:"url"`
	ReconnectSec   int    `yaml:"reconnect_sec" json:"reconnect_sec"`
	TradeWindowMin int    `yaml:"trade_window_min" json:"trade_window_min"`
}

// NotifyConfig 通知
type NotifyConfig struct {
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"` // 为空则只写日志
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	Channel       string `yaml:"channel" json:"channel"`
	TimeoutSec    int    `yaml:"timeout_sec" json:"timeout_sec"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

type ControlPlaneConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// SecretsConfig bot API key 存储（badger），加密 key 只从环境变量读取
type SecretsConfig struct {
	Path          string `yaml:"path" json:"path"`
	EncryptionKey string `yaml:"-" json:"-"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	File        string `yaml:"file" json:"file"`
	MaxSize     int    `yaml:"max_size" json:"max_size"`
	MaxBackups  int    `yaml:"max_backups" json:"max_backups"`
	MaxAge      int    `yaml:"max_age" json:"max_age"`
	Compress    bool   `yaml:"compress" json:"compress"`
	RotateDaily bool   `yaml:"rotate_daily" json:"rotate_daily"`
}

// Config 应用配置
type Config struct {
	Arena        ArenaConfig        `yaml:"arena" json:"arena"`
	Model        ModelConfig        `yaml:"model" json:"model"`
	Decision     DecisionConfig     `yaml:"decision" json:"decision"`
	Risk         RiskConfig         `yaml:"risk" json:"risk"`
	Execution    ExecutionConfig    `yaml:"execution" json:"execution"`
	Evolution    EvolutionConfig    `yaml:"evolution" json:"evolution"`
	Ledger       LedgerConfig       `yaml:"ledger" json:"ledger"`
	Gateway      GatewayConfig      `yaml:"gateway" json:"gateway"`
	Feed         FeedConfig         `yaml:"feed" json:"feed"`
	Notify       NotifyConfig       `yaml:"notify" json:"notify"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" json:"control_plane"`
	Secrets      SecretsConfig      `yaml:"secrets" json:"secrets"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Arena: ArenaConfig{
			Mode:              "paper", // 必须从纸交易开始
			TickIntervalSec:   45,
			Population:        8,
			StartingBalance:   2000,
			MaxMarketsPerTick: 10,
			ResolvePollSec:    60,
		},
		Model: ModelConfig{
			LearningRate: 0.05,
			L2:           1e-4,
			CacheTTLSec:  30,
		},
		Decision: DecisionConfig{
			MinExpectedValue: 0.045,
			KellyFraction:    0.5,
			PaperBuffer:      0.010,
			LiveBuffer:       0.006,
			BlendWeight:      0.2,
			PaperMaxPosition: 50,
			LiveMaxPosition:  10,
		},
		Risk: RiskConfig{
			MinTradeAmount:       0.01,
			MaxSpreadSum:         1.05,
			TradesPerHour:        20,
			MaxConsecutiveLosses: 3,
			LossPauseSec:         3600,
			DrawdownTrigger:      0.85,
			MaxDrawdown:          0.15,
			LimitsTTLSec:         30,
			DrawdownTradeScale:   0.65,
			DrawdownGlobalScale:  0.70,
		},
		Execution: ExecutionConfig{
			DefaultStyle:           "POST_ONLY",
			Urgency:                "normal",
			MaxOrderSize:           1000,
			MinOrderSize:           1,
			TakerFeeRate:           0.005,
			MakerRebateRate:        0.002,
			GasCostPerOrder:        0.50,
			MinEVAfterCosts:        0.045,
			TWAPSlices:             4,
			TWAPIntervalSec:        30,
			IcebergVisibleFraction: 0.1,
			IcebergIntervalSec:     2,
			IcebergMaxAttempts:     20,
		},
		Evolution: EvolutionConfig{
			Enabled:           true,
			TriggerTrades:     450,
			TargetTrades:      600,
			CooldownHours:     5,
			SafetyNetHours:    8,
			SharpeKillSwitch:  0.75,
			Survivors:         3,
			MutationRate:      0.10,
			WindowDays:        30,
			MinResolvedTrades: 10,
			TickSec:           300,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
			DSN:    "data/arena.db",
		},
		Gateway: GatewayConfig{
			TimeoutSec:        15,
			RetryCount:        2,
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerFailures:   3,
			BreakerTimeoutSec: 60,
		},
		Feed: FeedConfig{
			ReconnectSec:   5,
			TradeWindowMin: 8,
		},
		Notify: NotifyConfig{
			Channel:    "arena:events",
			TimeoutSec: 3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		ControlPlane: ControlPlaneConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8510",
		},
		Secrets: SecretsConfig{
			Path: "data/secrets",
		},
		Log: LogConfig{
			Level:       "info",
			File:        "logs/arena.log",
			MaxSize:     100,
			MaxBackups:  3,
			MaxAge:      7,
			Compress:    true,
			RotateDaily: true,
		},
	}
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置（优先级：环境变量 > 配置文件 > 默认值）
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON），只覆盖文件里出现的字段
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖
func applyEnv(c *Config) {
	c.Arena.Mode = getEnv("BOT_ARENA_MODE", c.Arena.Mode)
	c.Arena.TickIntervalSec = parseIntEnv("BOT_ARENA_TICK_INTERVAL_SEC", c.Arena.TickIntervalSec)
	c.Arena.Population = parseIntEnv("EVOLUTION_POPULATION_SIZE", c.Arena.Population)
	c.Arena.StartingBalance = parseFloatEnv("BOT_ARENA_PAPER_STARTING_BALANCE", c.Arena.StartingBalance)
	c.Arena.MaxMarketsPerTick = parseIntEnv("BOT_ARENA_MAX_MARKETS_PER_TICK", c.Arena.MaxMarketsPerTick)
	c.Arena.ResolvePollSec = parseIntEnv("BOT_ARENA_RESOLVE_POLL_SEC", c.Arena.ResolvePollSec)

	c.Model.LearningRate = parseFloatEnv("BOT_ARENA_MODEL_LR", c.Model.LearningRate)

	c.Decision.MinExpectedValue = parseFloatEnv("BOT_ARENA_MIN_EXPECTED_VALUE", c.Decision.MinExpectedValue)
	c.Decision.KellyFraction = parseFloatEnv("BOT_ARENA_KELLY_FRACTION", c.Decision.KellyFraction)
	c.Decision.PaperBuffer = parseFloatEnv("BOT_ARENA_PAPER_ENTRY_PRICE_BUFFER", c.Decision.PaperBuffer)
	c.Decision.LiveBuffer = parseFloatEnv("BOT_ARENA_LIVE_ENTRY_PRICE_BUFFER", c.Decision.LiveBuffer)
	c.Decision.PaperFee = parseFloatEnv("BOT_ARENA_PAPER_FEE_RATE", c.Decision.PaperFee)
	c.Decision.LiveFee = parseFloatEnv("BOT_ARENA_LIVE_FEE_RATE", c.Decision.LiveFee)
	c.Decision.PaperMaxPosition = parseFloatEnv("BOT_ARENA_PAPER_MAX_POSITION", c.Decision.PaperMaxPosition)
	c.Decision.LiveMaxPosition = parseFloatEnv("BOT_ARENA_LIVE_MAX_POSITION", c.Decision.LiveMaxPosition)

	c.Risk.MinTradeAmount = parseFloatEnv("BOT_ARENA_MIN_TRADE_AMOUNT", c.Risk.MinTradeAmount)
	c.Risk.MaxConsecutiveLosses = parseIntEnv("BOT_ARENA_MAX_CONSECUTIVE_LOSSES", c.Risk.MaxConsecutiveLosses)
	c.Risk.LossPauseSec = parseIntEnv("BOT_ARENA_PAUSE_AFTER_CONSECUTIVE_LOSSES", c.Risk.LossPauseSec)

	c.Execution.DefaultStyle = strings.ToUpper(getEnv("EXECUTION_DEFAULT_ORDER_TYPE", c.Execution.DefaultStyle))
	c.Execution.Urgency = getEnv("EXECUTION_URGENCY", c.Execution.Urgency)
	c.Execution.MaxOrderSize = parseFloatEnv("EXECUTION_MAX_ORDER_SIZE", c.Execution.MaxOrderSize)
	c.Execution.TakerFeeRate = parseFloatEnv("EXECUTION_TAKER_FEE_RATE", c.Execution.TakerFeeRate)
	c.Execution.GasCostPerOrder = parseFloatEnv("EXECUTION_GAS_COST_PER_TRADE", c.Execution.GasCostPerOrder)
	c.Execution.MinEVAfterCosts = parseFloatEnv("EXECUTION_MIN_EV_AFTER_COSTS", c.Execution.MinEVAfterCosts)
	c.Execution.TWAPSlices = parseIntEnv("EXECUTION_TWAP_SLICES", c.Execution.TWAPSlices)
	c.Execution.TWAPIntervalSec = parseIntEnv("EXECUTION_TWAP_INTERVAL_SECONDS", c.Execution.TWAPIntervalSec)
	c.Execution.IcebergVisibleFraction = parseFloatEnv("EXECUTION_ICEBERG_VISIBLE_SIZE", c.Execution.IcebergVisibleFraction)

	c.Evolution.Enabled = parseBoolEnv("EVOLUTION_ENABLED", c.Evolution.Enabled)
	c.Evolution.TriggerTrades = parseIntEnv("EVOLUTION_MIN_RESOLVED_TRADES", c.Evolution.TriggerTrades)
	c.Evolution.TargetTrades = parseIntEnv("EVOLUTION_TARGET_RESOLVED_TRADES", c.Evolution.TargetTrades)
	c.Evolution.SharpeKillSwitch = parseFloatEnv("EVOLUTION_SHARPE_KILL_THRESHOLD", c.Evolution.SharpeKillSwitch)
	c.Evolution.WindowDays = parseIntEnv("EVOLUTION_WALK_FORWARD_DAYS", c.Evolution.WindowDays)
	c.Evolution.Survivors = parseIntEnv("EVOLUTION_SURVIVORS_PER_CYCLE", c.Evolution.Survivors)
	c.Evolution.MutationRate = parseFloatEnv("EVOLUTION_MUTATION_RATE", c.Evolution.MutationRate)

	c.Ledger.Driver = getEnv("BOT_ARENA_DB_DRIVER", c.Ledger.Driver)
	c.Ledger.DSN = getEnv("BOT_ARENA_DB_PATH", c.Ledger.DSN)

	c.Gateway.BaseURL = getEnv("BOT_ARENA_GATEWAY_URL", c.Gateway.BaseURL)
	c.Gateway.RemoteSignals = parseBoolEnv("BOT_ARENA_REMOTE_SIGNALS", c.Gateway.RemoteSignals)
	if v := getEnv("BOT_ARENA_SIGNAL_PROVIDERS", ""); v != "" {
		c.Gateway.SignalProviders = splitList(v)
	}
	c.Feed.URL = getEnv("BOT_ARENA_FEED_URL", c.Feed.URL)
	c.Feed.Enabled = parseBoolEnv("BOT_ARENA_FEED_ENABLED", c.Feed.Enabled)

	c.Notify.RedisAddr = getEnv("REDIS_ADDR", c.Notify.RedisAddr)
	c.Notify.RedisPassword = getEnv("REDIS_PASSWORD", c.Notify.RedisPassword)
	c.Notify.RedisDB = parseIntEnv("REDIS_DB", c.Notify.RedisDB)

	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)
	c.ControlPlane.Addr = getEnv("CONTROL_PLANE_ADDR", c.ControlPlane.Addr)

	c.Secrets.Path = getEnv("SECRETSTORE_PATH", c.Secrets.Path)
	c.Secrets.EncryptionKey = getEnv("SECRETSTORE_KEY", c.Secrets.EncryptionKey)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// IsLive 是否实盘
func (c *Config) IsLive() bool {
	return strings.EqualFold(c.Arena.Mode, "live")
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Arena.TickIntervalSec) * time.Second
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Arena.Mode) {
	case "paper", "live":
	default:
		return fmt.Errorf("BOT_ARENA_MODE 只能是 paper 或 live: %q", c.Arena.Mode)
	}
	if c.Arena.TickIntervalSec <= 0 {
		return fmt.Errorf("tick_interval_sec 必须大于 0")
	}
	if c.Arena.Population < 2 {
		return fmt.Errorf("population 至少为 2")
	}
	if c.Arena.StartingBalance < 0 {
		return fmt.Errorf("starting_balance 不能为负数")
	}
	if c.Model.LearningRate <= 0 || c.Model.LearningRate >= 1 {
		return fmt.Errorf("learning_rate 必须在 0 到 1 之间")
	}
	if c.Model.L2 < 0 {
		return fmt.Errorf("l2 不能为负数")
	}
	if c.Decision.KellyFraction <= 0 || c.Decision.KellyFraction > 1 {
		return fmt.Errorf("BOT_ARENA_KELLY_FRACTION 必须在 (0, 1] 之间")
	}
	if c.Decision.BlendWeight < 0 || c.Decision.BlendWeight > 1 {
		return fmt.Errorf("blend_weight 必须在 [0, 1] 之间")
	}
	if c.Decision.PaperMaxPosition <= 0 || c.Decision.LiveMaxPosition <= 0 {
		return fmt.Errorf("max_position 必须大于 0")
	}
	if c.Risk.MinTradeAmount < 0 {
		return fmt.Errorf("min_trade_amount 不能为负数")
	}
	if c.Risk.TradesPerHour <= 0 {
		return fmt.Errorf("trades_per_hour 必须大于 0")
	}
	if c.Risk.DrawdownTrigger <= 0 || c.Risk.DrawdownTrigger > 1 {
		return fmt.Errorf("drawdown_trigger 必须在 (0, 1] 之间")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("max_drawdown 必须在 0 到 1 之间")
	}
	if c.Risk.DrawdownTradeScale <= 0 || c.Risk.DrawdownTradeScale > 1 || c.Risk.DrawdownGlobalScale <= 0 || c.Risk.DrawdownGlobalScale > 1 {
		return fmt.Errorf("回撤缩放系数必须在 (0, 1] 之间")
	}
	switch strings.ToUpper(c.Execution.DefaultStyle) {
	case "POST_ONLY", "LIMIT", "MARKET":
	default:
		return fmt.Errorf("EXECUTION_DEFAULT_ORDER_TYPE 不支持: %s", c.Execution.DefaultStyle)
	}
	if c.Execution.MaxOrderSize <= 0 {
		return fmt.Errorf("EXECUTION_MAX_ORDER_SIZE 必须大于 0")
	}
	if c.Execution.TWAPSlices < 1 {
		return fmt.Errorf("EXECUTION_TWAP_SLICES 至少为 1")
	}
	if c.Execution.IcebergVisibleFraction <= 0 || c.Execution.IcebergVisibleFraction > 1 {
		return fmt.Errorf("EXECUTION_ICEBERG_VISIBLE_SIZE 必须在 (0, 1] 之间")
	}
	if c.Execution.IcebergMaxAttempts < 1 {
		return fmt.Errorf("iceberg_max_attempts 至少为 1")
	}
	if c.Evolution.TriggerTrades <= 0 {
		return fmt.Errorf("EVOLUTION_MIN_RESOLVED_TRADES 必须大于 0")
	}
	if c.Evolution.Survivors < 1 || c.Evolution.Survivors >= c.Arena.Population {
		return fmt.Errorf("EVOLUTION_SURVIVORS_PER_CYCLE 必须在 1 到 population-1 之间")
	}
	if c.Evolution.MutationRate < 0 || c.Evolution.MutationRate > 1 {
		return fmt.Errorf("EVOLUTION_MUTATION_RATE 必须在 [0, 1] 之间")
	}
	if c.Evolution.WindowDays <= 0 {
		return fmt.Errorf("EVOLUTION_WALK_FORWARD_DAYS 必须大于 0")
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("BOT_ARENA_DB_DRIVER 不支持: %s", c.Ledger.Driver)
	}
	if c.Ledger.DSN == "" {
		return fmt.Errorf("BOT_ARENA_DB_PATH 未配置")
	}
	if c.IsLive() && c.Gateway.BaseURL == "" {
		return fmt.Errorf("实盘模式需要配置 BOT_ARENA_GATEWAY_URL")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("订单流已启用但 BOT_ARENA_FEED_URL 为空")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// splitList 逗号分隔，去掉空项
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentDay 当前交易日（UTC，YYYY-MM-DD），按日切换日志文件时使用
	currentDay string
	// savedConfig 保存的日志配置（用于日志轮转）
	savedConfig Config
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level       string // 日志级别: debug, info, warn, error
	OutputFile  string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize     int    // 日志文件最大大小（MB）
	MaxBackups  int    // 保留的旧日志文件数量
	MaxAge      int    // 保留旧日志文件的天数
	Compress    bool   // 是否压缩旧日志文件
	RotateDaily bool   // 是否按交易日命名日志文件（与风控日切保持一致，UTC）
	NoColor     bool
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// getLogFileName 根据交易日生成日志文件名：logs/arena.log -> logs/arena_2026-01-02.log
func getLogFileName(basePath string, day string) string {
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	nameWithoutExt := baseName[:len(baseName)-len(ext)]

	if dir == "." || dir == "" {
		return fmt.Sprintf("%s_%s%s", nameWithoutExt, day, ext)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", nameWithoutExt, day, ext))
}

func newFormatter(cfg Config) logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     !cfg.NoColor,
		DisableColors:   cfg.NoColor,
	}
}

// build 创建 logger 并同步全局 logrus 输出。调用方持有 logMu。
func build(cfg Config, logFilePath string) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(newFormatter(cfg))

	writers := []io.Writer{os.Stdout}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return nil, err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 各包通过 logrus.WithField("component", ...) 打日志，全局 logrus 也要写到同一个文件
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(cfg))
	return logger, nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	savedConfig = config
	logFilePath := config.OutputFile
	if config.OutputFile != "" && config.RotateDaily {
		currentDay = dayKey(time.Now())
		logFilePath = getLogFileName(config.OutputFile, currentDay)
	}

	logger, err := build(config, logFilePath)
	if err != nil {
		return err
	}
	currentLogFile = logFilePath
	Logger = logger
	return nil
}

// CheckAndRotateLog 交易日变化时切换日志文件
func CheckAndRotateLog(now time.Time) error {
	logMu.Lock()
	defer logMu.Unlock()

	if !savedConfig.RotateDaily || savedConfig.OutputFile == "" {
		return nil
	}
	day := dayKey(now)
	if day == currentDay {
		return nil
	}

	logFilePath := getLogFileName(savedConfig.OutputFile, day)
	logger, err := build(savedConfig, logFilePath)
	if err != nil {
		return err
	}
	old := currentLogFile
	currentDay = day
	currentLogFile = logFilePath
	Logger = logger
	Logger.Infof("日志文件已切换: %s -> %s", old, logFilePath)
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:       "info",
		OutputFile:  "logs/arena.log",
		MaxSize:     100, // 100MB
		MaxBackups:  3,
		MaxAge:      7, // 7天
		Compress:    true,
		RotateDaily: true,
	})
}

// StartDailyRotation 启动日志轮转检查器（后台任务），stop 关闭后退出
func StartDailyRotation(stop <-chan struct{}) {
	if !savedConfig.RotateDaily || savedConfig.OutputFile == "" {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := CheckAndRotateLog(now); err != nil && Logger != nil {
					Logger.Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// WithFields 添加多个字段到日志上下文
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.WithFields(fields)
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

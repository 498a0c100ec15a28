// Package notify 通知出口：Redis 频道、日志，以及异步扇出。
// 所有 sink 自己吞掉错误，通知失败不影响交易。
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/config"
)

var log = logrus.WithField("component", "notify")

const defaultChannel = "arena:events"

// Publisher redis.Client 的发布子集
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink 把事件序列化成 JSON 发布到频道
type RedisSink struct {
	pub     Publisher
	channel string
}

func NewRedisSink(pub Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisSink{pub: pub, channel: channel}
}

func (s *RedisSink) Notify(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.NotifyFailures.Add(1)
		log.Warnf("序列化事件失败 type=%s: %v", ev.Type, err)
		return
	}
	if err := s.pub.Publish(ctx, s.channel, payload).Err(); err != nil {
		metrics.NotifyFailures.Add(1)
		log.Warnf("发布事件失败 channel=%s type=%s: %v", s.channel, ev.Type, err)
	}
}

// LogSink 写日志
type LogSink struct {
	entry *logrus.Entry
}

func NewLogSink(entry *logrus.Entry) *LogSink {
	if entry == nil {
		entry = log
	}
	return &LogSink{entry: entry}
}

func (s *LogSink) Notify(_ context.Context, ev events.Event) {
	fields := logrus.Fields{"event": ev.Type}
	if ev.BotID != "" {
		fields["bot"] = ev.BotID
	}
	if ev.MarketID != "" {
		fields["market"] = ev.MarketID
	}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	s.entry.WithFields(fields).Info(ev.Message)
}

// MultiSink 异步扇出到多个 sink，每次投递有超时。
type MultiSink struct {
	sinks   []ports.NotificationSink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewMultiSink(timeout time.Duration, sinks ...ports.NotificationSink) *MultiSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	out := make([]ports.NotificationSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out, timeout: timeout}
}

func (m *MultiSink) Notify(ctx context.Context, ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	base := context.WithoutCancel(ctx)
	for _, s := range m.sinks {
		m.wg.Add(1)
		go func(s ports.NotificationSink) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					metrics.NotifyFailures.Add(1)
					log.Errorf("通知 sink panic type=%s: %v", ev.Type, r)
				}
			}()
			cctx, cancel := context.WithTimeout(base, m.timeout)
			defer cancel()
			s.Notify(cctx, ev)
		}(s)
	}
}

// Wait 等待已发出的通知投递完成（退出时调用）
func (m *MultiSink) Wait() {
	m.wg.Wait()
}

// New 按配置组装：总是写日志，配置了 redis 地址时再发布到频道。
// 返回的 closer 关闭 redis 连接。
func New(cfg config.NotifyConfig) (*MultiSink, func() error) {
	sinks := []ports.NotificationSink{NewLogSink(nil)}
	closer := func() error { return nil }
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		sinks = append(sinks, NewRedisSink(client, cfg.Channel))
		closer = client.Close
		log.Infof("通知发布到 redis %s channel=%s", cfg.RedisAddr, cfg.Channel)
	}
	return NewMultiSink(time.Duration(cfg.TimeoutSec)*time.Second, sinks...), closer
}

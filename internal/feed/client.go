// Package feed 行情 websocket：订阅 asset 的盘口与成交，维护订单流状态。
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/config"
)

var log = logrus.WithField("component", "feed")

const defaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	TradeWindow    time.Duration
	ProxyURL       string
}

func ConfigFrom(c config.FeedConfig) Config {
	return Config{
		URL:            c.URL,
		ReconnectDelay: time.Duration(c.ReconnectSec) * time.Second,
		TradeWindow:    time.Duration(c.TradeWindowMin) * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.TradeWindow <= 0 {
		c.TradeWindow = 8 * time.Minute
	}
	return c
}

// Client 市场 websocket 客户端。断线后固定间隔无限重连（信号驱动）。
type Client struct {
	cfg      Config
	state    *State
	notifier ports.NotificationSink
	dialer   websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	writeMu    sync.Mutex

	reconnectC chan struct{}
	resubC     chan struct{}
	connects   int
}

func NewClient(cfg Config, notifier ports.NotificationSink) *Client {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		} else {
			log.Warnf("解析代理 URL 失败: %v，将直接连接", err)
		}
	}
	return &Client{
		cfg:        cfg,
		state:      NewState(cfg.TradeWindow),
		notifier:   notifier,
		dialer:     dialer,
		reconnectC: make(chan struct{}, 1),
		resubC:     make(chan struct{}, 1),
	}
}

func (c *Client) State() *State { return c.state }

// Track 登记市场；有新 asset 时在当前连接上补订阅
func (c *Client) Track(markets ...domain.Market) {
	if c.state.Track(markets...) {
		signal(c.resubC)
	}
}

// Reconnect 触发重连（非阻塞）
func (c *Client) Reconnect() {
	signal(c.reconnectC)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run 阻塞直到 ctx 取消
func (c *Client) Run(ctx context.Context) {
	c.Reconnect()
	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return
		case <-c.reconnectC:
			if err := c.connect(ctx); err != nil {
				log.Warnf("连接行情 websocket 失败: %v，%v 后重试", err, c.cfg.ReconnectDelay)
				c.reconnectLater(ctx)
			}
		case <-c.resubC:
			if err := c.subscribe(); err != nil {
				log.Debugf("补订阅失败: %v", err)
			}
		}
	}
}

func (c *Client) reconnectLater(ctx context.Context) {
	go func() {
		t := time.NewTimer(c.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			c.Reconnect()
		}
	}()
}

func (c *Client) connect(ctx context.Context) error {
	c.closeConn()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	connCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.connCancel = cancel
	c.connects++
	n := c.connects
	c.mu.Unlock()
	if n > 1 {
		metrics.FeedReconnects.Add(1)
	}

	if err := c.subscribe(); err != nil {
		c.closeConn()
		return errors.Wrap(err, "subscribe")
	}

	go c.readLoop(ctx, connCtx, conn)
	go c.pingLoop(connCtx, conn)
	log.Infof("行情 websocket 已连接: %s assets=%d", c.cfg.URL, len(c.state.Assets()))
	return nil
}

func (c *Client) closeConn() {
	c.closeIf(nil)
}

// closeIf 关闭当前连接；only 非空时仅当它仍是当前连接才关闭
func (c *Client) closeIf(only *websocket.Conn) {
	c.mu.Lock()
	if only != nil && c.conn != only {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) write(conn *websocket.Conn, fn func(*websocket.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return fn(conn)
}

func (c *Client) subscribe() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	assets := c.state.Assets()
	if len(assets) == 0 {
		return nil
	}
	msg := map[string]any{"type": "market", "assets_ids": assets}
	return c.write(conn, func(conn *websocket.Conn) error { return conn.WriteJSON(msg) })
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.write(conn, func(conn *websocket.Conn) error {
				return conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			})
			if err != nil {
				log.Debugf("发送 PING 失败: %v", err)
				return
			}
		}
	}
}

// readLoop 读到连接断开为止。重连挂在 Run 的 ctx 上，connCtx 只标记本连接已被主动关闭
func (c *Client) readLoop(ctx, connCtx context.Context, conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-connCtx.Done():
				return
			default:
			}
			log.Warnf("行情 websocket 断开: %v，%v 后重连", err, c.cfg.ReconnectDelay)
			if c.notifier != nil {
				c.notifier.Notify(ctx, events.New(events.FeedDisconnected, "", err.Error()))
			}
			c.closeIf(conn)
			c.reconnectLater(ctx)
			return
		}
		c.handle(msg)
	}
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wsEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Bids         []wsLevel       `json:"bids"`
	Asks         []wsLevel       `json:"asks"`
	Buys         []wsLevel       `json:"buys"`
	Sells        []wsLevel       `json:"sells"`
	Price        string          `json:"price"`
	Size         string          `json:"size"`
	Side         string          `json:"side"`
	Timestamp    json.RawMessage `json:"timestamp"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

// handle 解析一条消息；服务端可能把多个事件打包成数组
func (c *Client) handle(msg []byte) {
	msg = bytes.TrimSpace(msg)
	switch {
	case len(msg) == 0, string(msg) == "PONG":
		return
	case msg[0] == '[':
		var batch []wsEvent
		if err := json.Unmarshal(msg, &batch); err != nil {
			log.Debugf("解析消息失败: %v", err)
			return
		}
		for _, ev := range batch {
			c.apply(ev)
		}
	case msg[0] == '{':
		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Debugf("解析消息失败: %v", err)
			return
		}
		c.apply(ev)
	}
}

func (c *Client) apply(ev wsEvent) {
	at := parseTimestamp(ev.Timestamp, c.state.now())
	switch ev.EventType {
	case "book":
		bids, asks := ev.Bids, ev.Asks
		if len(bids) == 0 {
			bids = ev.Buys
		}
		if len(asks) == 0 {
			asks = ev.Sells
		}
		c.state.ApplyBook(ev.AssetID, levels(bids), levels(asks), at)
	case "price_change":
		for _, pc := range ev.PriceChanges {
			c.state.ApplyPriceChange(pc.AssetID,
				Level{Price: parseFloat(pc.Price), Size: parseFloat(pc.Size)},
				isBuy(pc.Side), parseFloat(pc.BestBid), parseFloat(pc.BestAsk), at)
		}
	case "last_trade_price", "trade":
		c.state.AddTrade(Trade{
			AssetID: ev.AssetID,
			Price:   parseFloat(ev.Price),
			Size:    parseFloat(ev.Size),
			Buy:     isBuy(ev.Side),
			At:      at,
		})
	}
}

func levels(in []wsLevel) []Level {
	out := make([]Level, 0, len(in))
	for _, l := range in {
		out = append(out, Level{Price: parseFloat(l.Price), Size: parseFloat(l.Size)})
	}
	return out
}

func isBuy(side string) bool {
	return strings.EqualFold(side, "BUY")
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseTimestamp 兼容字符串/数字，秒或毫秒
func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	s := strings.Trim(string(raw), `"`)
	v := parseFloat(s)
	switch {
	case v <= 0:
		return fallback
	case v > 1e12:
		return time.UnixMilli(int64(v))
	default:
		return time.Unix(0, int64(v*float64(time.Second)))
	}
}

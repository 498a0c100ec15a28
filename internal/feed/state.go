package feed

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/betbot/arena/internal/domain"
)

const (
	depthLevels = 8
	tradeRing   = 400

	imbalanceWeight = 0.42
	flowWeight      = 0.31
)

type Level struct {
	Price float64
	Size  float64
}

type Trade struct {
	AssetID string
	Price   float64
	Size    float64
	Buy     bool
	At      time.Time
}

type assetRef struct {
	marketID string
	side     domain.Side
}

type depth struct {
	bids []Level // 价格降序
	asks []Level // 价格升序
}

// State 订单流状态：每个 asset 的前 8 档深度、最近 400 笔成交、每个市场的 best book
type State struct {
	mu     sync.RWMutex
	assets map[string]assetRef
	depth  map[string]*depth
	books  map[string]*AtomicBestBook

	trades [tradeRing]Trade
	next   int
	count  int

	window time.Duration
	now    func() time.Time
}

func NewState(window time.Duration) *State {
	if window <= 0 {
		window = 8 * time.Minute
	}
	return &State{
		assets: make(map[string]assetRef),
		depth:  make(map[string]*depth),
		books:  make(map[string]*AtomicBestBook),
		window: window,
		now:    time.Now,
	}
}

// Track 登记市场的两个 token；有新 asset 时返回 true（需要重新订阅）
func (s *State) Track(markets ...domain.Market) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, m := range markets {
		for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
			id := m.TokenID(side)
			if id == "" {
				continue
			}
			if _, ok := s.assets[id]; !ok {
				s.assets[id] = assetRef{marketID: m.ID, side: side}
				changed = true
			}
		}
		if _, ok := s.books[m.ID]; !ok {
			s.books[m.ID] = NewAtomicBestBook()
		}
	}
	return changed
}

// Assets 已登记的 asset id（排序）
func (s *State) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for id := range s.assets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *State) book(assetID string) (*AtomicBestBook, domain.Side) {
	ref, ok := s.assets[assetID]
	if !ok {
		return nil, ""
	}
	return s.books[ref.marketID], ref.side
}

// ApplyBook 全量快照，只保留前 8 档
func (s *State) ApplyBook(assetID string, bids, asks []Level, at time.Time) {
	bids = topLevels(bids, true)
	asks = topLevels(asks, false)

	s.mu.Lock()
	s.depth[assetID] = &depth{bids: bids, asks: asks}
	bb, side := s.book(assetID)
	s.mu.Unlock()

	if bb == nil {
		return
	}
	var bid, ask Level
	if len(bids) > 0 {
		bid = bids[0]
	}
	if len(asks) > 0 {
		ask = asks[0]
	}
	bb.Update(side, ToPips(bid.Price), ToPips(ask.Price), ScaleSize(bid.Size), ScaleSize(ask.Size), at)
}

// ApplyPriceChange 增量：size 为 0 删除该档
func (s *State) ApplyPriceChange(assetID string, lvl Level, buy bool, bestBid, bestAsk float64, at time.Time) {
	s.mu.Lock()
	d, ok := s.depth[assetID]
	if !ok {
		d = &depth{}
		s.depth[assetID] = d
	}
	if lvl.Price > 0 {
		if buy {
			d.bids = topLevels(upsertLevel(d.bids, lvl), true)
		} else {
			d.asks = topLevels(upsertLevel(d.asks, lvl), false)
		}
	}
	bb, side := s.book(assetID)
	s.mu.Unlock()

	if bb != nil {
		bb.Update(side, ToPips(bestBid), ToPips(bestAsk), 0, 0, at)
	}
}

func (s *State) AddTrade(t Trade) {
	if t.At.IsZero() {
		t.At = s.now()
	}
	s.mu.Lock()
	s.trades[s.next] = t
	s.next = (s.next + 1) % tradeRing
	if s.count < tradeRing {
		s.count++
	}
	s.mu.Unlock()
}

// Imbalance (bid-ask)/(bid+ask)，前 8 档挂单量；无数据返回 0
func (s *State) Imbalance(assetID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depth[assetID]
	if !ok {
		return 0
	}
	var bid, ask float64
	for _, l := range d.bids {
		bid += l.Size
	}
	for _, l := range d.asks {
		ask += l.Size
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// TradeFlow 窗口内买量占比；无成交返回 0.5
func (s *State) TradeFlow(assetID string) float64 {
	cutoff := s.now().Add(-s.window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buy, total float64
	for i := 0; i < s.count; i++ {
		t := s.trades[i]
		if t.AssetID != assetID || t.At.Before(cutoff) {
			continue
		}
		total += t.Size
		if t.Buy {
			buy += t.Size
		}
	}
	if total <= 0 {
		return 0.5
	}
	return buy / total
}

// HasDepth 是否收到过该 asset 的盘口
func (s *State) HasDepth(assetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.depth[assetID]
	return ok
}

// OrderFlow 以 YES token 的盘口/成交推出隐含概率；没有盘口数据返回 nil
func (s *State) OrderFlow(m domain.Market) *domain.OrderFlow {
	if m.YesTokenID == "" || !s.HasDepth(m.YesTokenID) {
		return nil
	}
	imb := s.Imbalance(m.YesTokenID)
	flow := s.TradeFlow(m.YesTokenID)
	p := m.Price + imb*imbalanceWeight + (flow-0.5)*flowWeight
	return &domain.OrderFlow{
		CurrentProbability: math.Max(0.01, math.Min(0.99, p)),
		Imbalance:          imb,
		TradeFlow:          flow,
	}
}

// Quote 用不超过 maxAge 的 best book 覆盖 market 报价
func (s *State) Quote(m *domain.Market, maxAge time.Duration) bool {
	s.mu.RLock()
	bb := s.books[m.ID]
	s.mu.RUnlock()
	if !bb.IsFresh(s.now(), maxAge) {
		return false
	}
	bb.Load().Apply(m)
	return true
}

func upsertLevel(levels []Level, lvl Level) []Level {
	out := levels[:0:0]
	for _, l := range levels {
		if l.Price != lvl.Price {
			out = append(out, l)
		}
	}
	if lvl.Size > 0 {
		out = append(out, lvl)
	}
	return out
}

func topLevels(levels []Level, desc bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Size > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > depthLevels {
		out = out[:depthLevels]
	}
	return out
}

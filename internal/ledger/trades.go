package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
)

type tradeRow struct {
	ID              int64          `db:"id"`
	BotID           string         `db:"bot_id"`
	MarketID        string         `db:"market_id"`
	MarketQuestion  string         `db:"market_question"`
	Side            string         `db:"side"`
	Amount          float64        `db:"amount"`
	Price           float64        `db:"price"`
	Confidence      float64        `db:"confidence"`
	ExpectedValue   float64        `db:"expected_value"`
	Reasoning       string         `db:"reasoning"`
	Features        string         `db:"trade_features"`
	Venue           string         `db:"venue"`
	Mode            string         `db:"mode"`
	Strategy        string         `db:"execution_strategy"`
	ExternalOrderID string         `db:"external_order_id"`
	SharesFilled    float64        `db:"shares_filled"`
	Fees            float64        `db:"fees"`
	Slippage        float64        `db:"slippage"`
	GasCost         float64        `db:"gas_cost"`
	Outcome         string         `db:"outcome"`
	PnL             float64        `db:"pnl"`
	CreatedAt       string         `db:"created_at"`
	ResolvedAt      sql.NullString `db:"resolved_at"`
}

const tradeColumns = `id, bot_id, market_id, market_question, side, amount, price, confidence, expected_value,
reasoning, trade_features, venue, mode, execution_strategy, external_order_id, shares_filled, fees, slippage,
gas_cost, outcome, pnl, created_at, resolved_at`

func (r tradeRow) toDomain() domain.TradeRecord {
	t := domain.TradeRecord{
		ID:              r.ID,
		BotID:           r.BotID,
		MarketID:        r.MarketID,
		MarketQuestion:  r.MarketQuestion,
		Side:            domain.Side(r.Side),
		Amount:          r.Amount,
		Price:           r.Price,
		Confidence:      r.Confidence,
		ExpectedValue:   r.ExpectedValue,
		Reasoning:       r.Reasoning,
		Venue:           r.Venue,
		Mode:            domain.Mode(r.Mode),
		Strategy:        r.Strategy,
		ExternalOrderID: r.ExternalOrderID,
		SharesFilled:    r.SharesFilled,
		Fees:            r.Fees,
		Slippage:        r.Slippage,
		GasCost:         r.GasCost,
		Outcome:         domain.Outcome(r.Outcome),
		PnL:             r.PnL,
		CreatedAt:       parseTime(r.CreatedAt),
		ResolvedAt:      parseNullTime(r.ResolvedAt),
	}
	if r.Features != "" {
		if err := json.Unmarshal([]byte(r.Features), &t.Features); err != nil {
			log.Warnf("trade %d 特征解析失败: %v", r.ID, err)
		}
	}
	return t
}

// InsertTrade 追加一笔成交，返回自增 id
func (s *Store) InsertTrade(ctx context.Context, t *domain.TradeRecord) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	features, err := json.Marshal(t.Features)
	if err != nil {
		return 0, errors.Wrap(err, "marshal trade features")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Outcome == "" {
		t.Outcome = domain.OutcomePending
	}
	if t.Mode == "" {
		t.Mode = s.mode
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, s.q(`
INSERT INTO trades (bot_id, market_id, market_question, side, amount, price, confidence, expected_value,
  reasoning, trade_features, venue, mode, execution_strategy, external_order_id, shares_filled, fees, slippage,
  gas_cost, outcome, pnl, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
RETURNING id`),
		t.BotID, t.MarketID, t.MarketQuestion, string(t.Side), t.Amount, t.Price, t.Confidence, t.ExpectedValue,
		t.Reasoning, string(features), t.Venue, string(t.Mode), t.Strategy, t.ExternalOrderID, t.SharesFilled,
		t.Fees, t.Slippage, t.GasCost, string(t.Outcome), t.PnL, fmtTime(t.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert trade")
	}
	t.ID = id
	return id, nil
}

// ResolveTrade 结算（每笔只能结算一次）
func (s *Store) ResolveTrade(ctx context.Context, id int64, outcome domain.Outcome, pnl float64, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE trades SET outcome=?, pnl=?, resolved_at=?
WHERE id=? AND outcome='pending'`), string(outcome), pnl, fmtTime(at), id)
	if err != nil {
		return errors.Wrapf(err, "resolve trade %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		if _, err := s.GetTrade(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id int64) (domain.TradeRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row tradeRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+tradeColumns+` FROM trades WHERE id=?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TradeRecord{}, ErrNotFound
		}
		return domain.TradeRecord{}, errors.Wrapf(err, "get trade %d", id)
	}
	return row.toDomain(), nil
}

func (s *Store) selectTrades(ctx context.Context, query string, args ...any) ([]domain.TradeRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, errors.Wrap(err, "select trades")
	}
	out := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// PendingTrades 未结算的成交（最早的在前）
func (s *Store) PendingTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades
WHERE mode=? AND outcome='pending' ORDER BY id ASC LIMIT ?`, string(s.mode), limit)
}

// TradesByBot 最近的成交（最新的在前）
func (s *Store) TradesByBot(ctx context.Context, botID string, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades
WHERE bot_id=? AND mode=? ORDER BY id DESC LIMIT ?`, botID, string(s.mode), limit)
}

// ResolvedTrades since 之后结算的成交（按结算时间升序）
func (s *Store) ResolvedTrades(ctx context.Context, botID string, since time.Time) ([]domain.TradeRecord, error) {
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades
WHERE bot_id=? AND mode=? AND outcome<>'pending' AND resolved_at>=?
ORDER BY resolved_at ASC, id ASC`, botID, string(s.mode), fmtTime(since))
}

func (s *Store) sum(ctx context.Context, query string, args ...any) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var v sql.NullFloat64
	if err := s.db.GetContext(ctx, &v, s.q(query), args...); err != nil {
		return 0, errors.Wrap(err, "sum")
	}
	return v.Float64, nil
}

// OpenPosition bot 未结算敞口
func (s *Store) OpenPosition(ctx context.Context, botID string) (float64, error) {
	return s.sum(ctx, `SELECT SUM(amount) FROM trades WHERE bot_id=? AND mode=? AND outcome='pending'`, botID, string(s.mode))
}

// GlobalOpenPosition 全局未结算敞口
func (s *Store) GlobalOpenPosition(ctx context.Context) (float64, error) {
	return s.sum(ctx, `SELECT SUM(amount) FROM trades WHERE mode=? AND outcome='pending'`, string(s.mode))
}

// DailyLoss since 之后开仓并已亏损的金额（正数）
func (s *Store) DailyLoss(ctx context.Context, botID string, since time.Time) (float64, error) {
	v, err := s.sum(ctx, `SELECT SUM(pnl) FROM trades
WHERE bot_id=? AND mode=? AND created_at>=? AND pnl<0 AND outcome<>'pending'`, botID, string(s.mode), fmtTime(since))
	return -v, err
}

func (s *Store) GlobalDailyLoss(ctx context.Context, since time.Time) (float64, error) {
	v, err := s.sum(ctx, `SELECT SUM(pnl) FROM trades
WHERE mode=? AND created_at>=? AND pnl<0 AND outcome<>'pending'`, string(s.mode), fmtTime(since))
	return -v, err
}

// RealizedPnL 全部已结算盈亏
func (s *Store) RealizedPnL(ctx context.Context) (float64, error) {
	return s.sum(ctx, `SELECT SUM(pnl) FROM trades WHERE mode=? AND outcome<>'pending'`, string(s.mode))
}

// TradesSince bot 在 since 之后的下单数（限频器重启预热）
func (s *Store) TradesSince(ctx context.Context, botID string, since time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM trades WHERE bot_id=? AND mode=? AND created_at>=?`),
		botID, string(s.mode), fmtTime(since))
	if err != nil {
		return 0, errors.Wrap(err, "count trades")
	}
	return n, nil
}

// HasOpenPosition bot 在该市场是否有未结算仓位
func (s *Store) HasOpenPosition(ctx context.Context, botID, marketID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM trades
WHERE bot_id=? AND market_id=? AND mode=? AND outcome='pending'`), botID, marketID, string(s.mode))
	if err != nil {
		return false, errors.Wrap(err, "count open")
	}
	return n > 0, nil
}

// ConsecutiveLosses 最近连续亏损笔数（作废的不打断也不计数）
func (s *Store) ConsecutiveLosses(ctx context.Context, botID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var outcomes []string
	err := s.db.SelectContext(ctx, &outcomes, s.q(`SELECT outcome FROM trades
WHERE bot_id=? AND mode=? AND outcome IN ('win','loss')
ORDER BY resolved_at DESC, id DESC LIMIT 50`), botID, string(s.mode))
	if err != nil {
		return 0, errors.Wrap(err, "select outcomes")
	}
	n := 0
	for _, o := range outcomes {
		if o != string(domain.OutcomeLoss) {
			break
		}
		n++
	}
	return n, nil
}

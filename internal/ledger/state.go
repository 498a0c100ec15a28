package ledger

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// arena_state 常用 key
const (
	KeyBankrollPeak      = "bankroll_peak"
	KeyDailyLossResetAt  = "daily_loss_reset_at"
	KeyLastEvolutionAt   = "last_evolution_at"
	KeyEvolutionCounter  = "evolution_trade_count"
	KeyEvolutionCycleSeq = "evolution_cycle_seq"
	PausedPrefix         = "paused:"
)

// stateKey 资金峰值、日亏损起点和暂停标记按 mode 隔离，paper 的操作不会影响 live。
// 进化相关 key 全局共享。
func (s *Store) stateKey(key string) string {
	switch {
	case key == KeyBankrollPeak, key == KeyDailyLossResetAt:
		return key + ":" + string(s.mode)
	case strings.HasPrefix(key, PausedPrefix):
		return PausedPrefix + string(s.mode) + ":" + strings.TrimPrefix(key, PausedPrefix)
	}
	return key
}

func setState(ctx context.Context, ex execer, key, value string, at time.Time) error {
	_, err := ex.ExecContext(ctx, ex.Rebind(`
INSERT INTO arena_state (key, value, updated_at)
VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`), key, value, fmtTime(at))
	if err != nil {
		return errors.Wrapf(err, "set state %s", key)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var v string
	if err := s.db.GetContext(ctx, &v, s.q(`SELECT value FROM arena_state WHERE key=?`), s.stateKey(key)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "get state %s", key)
	}
	return v, true, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return setState(ctx, s.db, s.stateKey(key), value, time.Now())
}

func (s *Store) DeleteState(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM arena_state WHERE key=?`), s.stateKey(key))
	return errors.Wrapf(err, "delete state %s", key)
}

// StatesWithPrefix key 前缀扫描（paused:<bot>）
func (s *Store) StatesWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	scoped := s.stateKey(prefix)
	// 前缀里不会出现 LIKE 通配符，直接拼接
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT key, value FROM arena_state WHERE key LIKE ?`), scoped+"%"); err != nil {
		return nil, errors.Wrap(err, "scan state")
	}
	// 返回调用方视角的 key（不带 mode）
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[prefix+strings.TrimPrefix(r.Key, scoped)] = r.Value
	}
	return out, nil
}

// GetTime 读取时间；不存在或格式错误返回零值
func (s *Store) GetTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return parseTime(v), nil
}

func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.SetState(ctx, key, fmtTime(t))
}

func (s *Store) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	v, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

func (s *Store) SetFloat(ctx context.Context, key string, v float64) error {
	return s.SetState(ctx, key, strconv.FormatFloat(v, 'f', -1, 64))
}

func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) SetInt(ctx context.Context, key string, v int64) error {
	return s.SetState(ctx, key, strconv.FormatInt(v, 10))
}

// FormatTime arena_state 里的时间格式
func FormatTime(t time.Time) string { return fmtTime(t) }

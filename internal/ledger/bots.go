package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
)

type botRow struct {
	BotID        string         `db:"bot_id"`
	StrategyKind string         `db:"strategy_kind"`
	Generation   int            `db:"generation"`
	LineageID    string         `db:"lineage_id"`
	ParentID     string         `db:"parent_id"`
	Params       string         `db:"params"`
	Active       int            `db:"active"`
	CreatedAt    string         `db:"created_at"`
	RetiredAt    sql.NullString `db:"retired_at"`
}

const botColumns = `bot_id, strategy_kind, generation, lineage_id, parent_id, params, active, created_at, retired_at`

func (r botRow) toDomain() (domain.BotConfig, error) {
	b := domain.BotConfig{
		BotID:        r.BotID,
		StrategyKind: r.StrategyKind,
		Generation:   r.Generation,
		LineageID:    r.LineageID,
		ParentID:     r.ParentID,
		Active:       r.Active != 0,
		CreatedAt:    parseTime(r.CreatedAt),
		RetiredAt:    parseNullTime(r.RetiredAt),
	}
	if err := json.Unmarshal([]byte(r.Params), &b.Params); err != nil {
		return b, errors.Wrapf(err, "bot %s params", r.BotID)
	}
	return b, nil
}

// execer 同时满足 *sqlx.DB 和 *sqlx.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

func insertBot(ctx context.Context, ex execer, b domain.BotConfig) error {
	params, err := json.Marshal(b.Params)
	if err != nil {
		return errors.Wrap(err, "marshal params")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	active := 0
	if b.Active {
		active = 1
	}
	_, err = ex.ExecContext(ctx, ex.Rebind(`
INSERT INTO bot_configs (bot_id, strategy_kind, generation, lineage_id, parent_id, params, active, created_at, retired_at)
VALUES (?,?,?,?,?,?,?,?,?)`),
		b.BotID, b.StrategyKind, b.Generation, b.LineageID, b.ParentID, string(params), active,
		fmtTime(b.CreatedAt), nullTime(b.RetiredAt))
	if err != nil {
		// 主键冲突：bot id 永不复用
		return errors.Wrapf(err, "insert bot %s", b.BotID)
	}
	return nil
}

func retireBot(ctx context.Context, ex execer, botID string, at time.Time) error {
	res, err := ex.ExecContext(ctx, ex.Rebind(`UPDATE bot_configs SET active=0, retired_at=? WHERE bot_id=? AND active=1`),
		fmtTime(at), botID)
	if err != nil {
		return errors.Wrapf(err, "retire bot %s", botID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "active bot %s", botID)
	}
	return nil
}

// SaveBotConfig 新增 bot（参数创建后不可变）
func (s *Store) SaveBotConfig(ctx context.Context, b domain.BotConfig) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return insertBot(ctx, s.db, b)
}

func (s *Store) selectBots(ctx context.Context, query string, args ...any) ([]domain.BotConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []botRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, errors.Wrap(err, "select bots")
	}
	out := make([]domain.BotConfig, 0, len(rows))
	for _, r := range rows {
		b, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ActiveBots 当前种群
func (s *Store) ActiveBots(ctx context.Context) ([]domain.BotConfig, error) {
	return s.selectBots(ctx, `SELECT `+botColumns+` FROM bot_configs WHERE active=1 ORDER BY created_at ASC, bot_id ASC`)
}

// AllBots 包含已淘汰的
func (s *Store) AllBots(ctx context.Context) ([]domain.BotConfig, error) {
	return s.selectBots(ctx, `SELECT `+botColumns+` FROM bot_configs ORDER BY created_at ASC, bot_id ASC`)
}

func (s *Store) GetBot(ctx context.Context, botID string) (domain.BotConfig, error) {
	bots, err := s.selectBots(ctx, `SELECT `+botColumns+` FROM bot_configs WHERE bot_id=?`, botID)
	if err != nil {
		return domain.BotConfig{}, err
	}
	if len(bots) == 0 {
		return domain.BotConfig{}, ErrNotFound
	}
	return bots[0], nil
}

func (s *Store) RetireBot(ctx context.Context, botID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return retireBot(ctx, s.db, botID, at)
}

// PopulationChange 一次进化的全部落库内容
type PopulationChange struct {
	Retire []string
	Add    []domain.BotConfig
	Event  *domain.EvolutionEvent
	State  map[string]string // arena_state 同步写入（计数器清零、last_evolution_at）
	At     time.Time
}

// ReplacePopulation 在一个事务里淘汰、新增、记录事件并更新状态
func (s *Store) ReplacePopulation(ctx context.Context, ch PopulationChange) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ch.At.IsZero() {
		ch.At = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin population tx")
	}
	defer tx.Rollback()

	for _, id := range ch.Retire {
		if err := retireBot(ctx, tx, id, ch.At); err != nil {
			return err
		}
	}
	for _, b := range ch.Add {
		if err := insertBot(ctx, tx, b); err != nil {
			return err
		}
	}
	if ch.Event != nil {
		if _, err := insertEvolutionEvent(ctx, tx, ch.Event); err != nil {
			return err
		}
	}
	for k, v := range ch.State {
		if err := setState(ctx, tx, k, v, ch.At); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit population tx")
	}
	return nil
}

var _ execer = (*sqlx.Tx)(nil)
var _ execer = (*sqlx.DB)(nil)

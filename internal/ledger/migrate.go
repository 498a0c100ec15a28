package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

func (s *Store) ddl() []string {
	r := strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{real}}", "REAL",
	)
	if s.driver == "postgres" {
		r = strings.NewReplacer(
			"{{id}}", "BIGSERIAL PRIMARY KEY",
			"{{real}}", "DOUBLE PRECISION",
		)
	}

	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS trades (
  id {{id}},
  bot_id TEXT NOT NULL,
  market_id TEXT NOT NULL,
  market_question TEXT NOT NULL DEFAULT '',
  side TEXT NOT NULL,
  amount {{real}} NOT NULL,
  price {{real}} NOT NULL DEFAULT 0,
  confidence {{real}} NOT NULL DEFAULT 0,
  expected_value {{real}} NOT NULL DEFAULT 0,
  reasoning TEXT NOT NULL DEFAULT '',
  trade_features TEXT NOT NULL DEFAULT '{}',
  venue TEXT NOT NULL,
  mode TEXT NOT NULL,
  execution_strategy TEXT NOT NULL DEFAULT '',
  external_order_id TEXT NOT NULL DEFAULT '',
  shares_filled {{real}} NOT NULL DEFAULT 0,
  fees {{real}} NOT NULL DEFAULT 0,
  slippage {{real}} NOT NULL DEFAULT 0,
  gas_cost {{real}} NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL DEFAULT 'pending',
  pnl {{real}} NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  resolved_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_outcome ON trades(bot_id, mode, outcome);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_outcome ON trades(mode, outcome);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at);`,
		`
CREATE TABLE IF NOT EXISTS bot_configs (
  bot_id TEXT PRIMARY KEY,
  strategy_kind TEXT NOT NULL,
  generation INTEGER NOT NULL DEFAULT 0,
  lineage_id TEXT NOT NULL,
  parent_id TEXT NOT NULL DEFAULT '',
  params TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  retired_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_configs_active ON bot_configs(active);`,
		`
CREATE TABLE IF NOT EXISTS bot_models (
  bot_id TEXT PRIMARY KEY,
  bias {{real}} NOT NULL,
  weights TEXT NOT NULL,
  updates INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS evolution_events (
  id {{id}},
  cycle_id TEXT NOT NULL,
  trigger_reason TEXT NOT NULL,
  survivors TEXT NOT NULL,
  replaced TEXT NOT NULL,
  new_bots TEXT NOT NULL,
  rankings TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_evolution_events_created_at ON evolution_events(created_at);`,
		`
CREATE TABLE IF NOT EXISTS arena_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}
	out := make([]string, 0, len(stmts)+2)
	if s.driver == "sqlite" {
		out = append(out, `PRAGMA journal_mode=WAL;`, `PRAGMA foreign_keys=ON;`)
	}
	for _, q := range stmts {
		out = append(out, r.Replace(q))
	}
	return out
}

func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, q := range s.ddl() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "migrate exec failed")
		}
	}

	// 兼容：早期账本的 trades 表没有成本明细列（SQLite 不支持 ADD COLUMN IF NOT EXISTS）
	realType := "REAL"
	if s.driver == "postgres" {
		realType = "DOUBLE PRECISION"
	}
	for _, col := range []struct {
		name string
		ddl  string
	}{
		{"price", `ALTER TABLE trades ADD COLUMN price ` + realType + ` NOT NULL DEFAULT 0;`},
		{"fees", `ALTER TABLE trades ADD COLUMN fees ` + realType + ` NOT NULL DEFAULT 0;`},
		{"slippage", `ALTER TABLE trades ADD COLUMN slippage ` + realType + ` NOT NULL DEFAULT 0;`},
		{"gas_cost", `ALTER TABLE trades ADD COLUMN gas_cost ` + realType + ` NOT NULL DEFAULT 0;`},
		{"reasoning", `ALTER TABLE trades ADD COLUMN reasoning TEXT NOT NULL DEFAULT '';`},
	} {
		ok, err := s.hasColumn(ctx, "trades", col.name)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				return errors.Wrapf(err, "alter trades add %s", col.name)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table string, col string) (bool, error) {
	if s.driver == "postgres" {
		var n int
		err := s.db.GetContext(ctx, &n, s.q(`
SELECT COUNT(*) FROM information_schema.columns
WHERE table_name = ? AND column_name = ?`), table, col)
		if err != nil {
			return false, errors.Wrap(err, "information_schema")
		}
		return n > 0, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	// PRAGMA table_info 返回：cid,name,type,notnull,dflt_value,pk
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

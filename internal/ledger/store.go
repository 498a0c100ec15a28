package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/arena/internal/domain"
)

var log = logrus.WithField("component", "ledger")

var (
	ErrNotFound        = errors.New("ledger: not found")
	ErrAlreadyResolved = errors.New("ledger: trade already resolved")
)

// timeLayout 定宽 UTC 时间，字符串比较即时间比较
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Config struct {
	Driver       string // sqlite | postgres
	DSN          string
	Mode         domain.Mode
	QueryTimeout time.Duration
}

// Store 账本：trades / bot_configs / bot_models / evolution_events / arena_state
type Store struct {
	db      *sqlx.DB
	driver  string
	mode    domain.Mode
	timeout time.Duration
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.DSN == "" {
		return nil, errors.New("ledger: dsn is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePaper
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	if cfg.Driver == "sqlite" && isFilePath(cfg.DSN) {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir db dir")
		}
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Driver)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite：单连接更稳定
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping ledger")
	}

	s := &Store{db: db, driver: cfg.Driver, mode: cfg.Mode, timeout: cfg.QueryTimeout}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("账本已打开: driver=%s mode=%s", cfg.Driver, cfg.Mode)
	return s, nil
}

func isFilePath(dsn string) bool {
	return dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Mode() domain.Mode { return s.mode }

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q 把 ? 占位符转换成驱动需要的格式
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// 兼容手工写入的 RFC3339
		if t2, err2 := time.Parse(time.RFC3339Nano, v); err2 == nil {
			return t2.UTC()
		}
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

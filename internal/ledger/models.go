package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
)

// StoredModel bot_models 原始行；权重 JSON 由模型自己解析（坏数据要回退默认值）
type StoredModel struct {
	BotID     string  `db:"bot_id"`
	Bias      float64 `db:"bias"`
	Weights   string  `db:"weights"`
	Updates   int64   `db:"updates"`
	UpdatedAt string  `db:"updated_at"`
}

func (m StoredModel) UpdatedTime() time.Time { return parseTime(m.UpdatedAt) }

// LoadModel 读取模型参数；不存在时 found=false
func (s *Store) LoadModel(ctx context.Context, botID string) (StoredModel, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m StoredModel
	err := s.db.GetContext(ctx, &m, s.q(`SELECT bot_id, bias, weights, updates, updated_at FROM bot_models WHERE bot_id=?`), botID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredModel{}, false, nil
		}
		return StoredModel{}, false, errors.Wrapf(err, "load model %s", botID)
	}
	return m, true, nil
}

// SaveModel upsert
func (s *Store) SaveModel(ctx context.Context, p domain.ModelParameters) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	w, err := json.Marshal(p.Weights)
	if err != nil {
		return errors.Wrap(err, "marshal weights")
	}
	at := p.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO bot_models (bot_id, bias, weights, updates, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(bot_id) DO UPDATE SET bias=excluded.bias, weights=excluded.weights,
  updates=excluded.updates, updated_at=excluded.updated_at`),
		p.BotID, p.Bias, string(w), p.Updates, fmtTime(at))
	if err != nil {
		return errors.Wrapf(err, "save model %s", p.BotID)
	}
	return nil
}

// SetRawModel 直接写入权重 JSON（运维修复、测试）
func (s *Store) SetRawModel(ctx context.Context, botID string, bias float64, weightsJSON string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO bot_models (bot_id, bias, weights, updates, updated_at)
VALUES (?,?,?,0,?)
ON CONFLICT(bot_id) DO UPDATE SET bias=excluded.bias, weights=excluded.weights, updated_at=excluded.updated_at`),
		botID, bias, weightsJSON, fmtTime(time.Now()))
	return errors.Wrap(err, "set raw model")
}

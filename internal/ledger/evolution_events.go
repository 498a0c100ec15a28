package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
)

type evolutionRow struct {
	ID            int64  `db:"id"`
	CycleID       string `db:"cycle_id"`
	TriggerReason string `db:"trigger_reason"`
	Survivors     string `db:"survivors"`
	Replaced      string `db:"replaced"`
	NewBots       string `db:"new_bots"`
	Rankings      string `db:"rankings"`
	CreatedAt     string `db:"created_at"`
}

func mustJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func insertEvolutionEvent(ctx context.Context, ex execer, ev *domain.EvolutionEvent) (int64, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cols := make([]string, 0, 4)
	for _, v := range []any{ev.Survivors, ev.Replaced, ev.NewBots, ev.Rankings} {
		s, err := mustJSON(v)
		if err != nil {
			return 0, errors.Wrap(err, "marshal evolution event")
		}
		cols = append(cols, s)
	}
	var id int64
	err := ex.QueryRowxContext(ctx, ex.Rebind(`
INSERT INTO evolution_events (cycle_id, trigger_reason, survivors, replaced, new_bots, rankings, created_at)
VALUES (?,?,?,?,?,?,?)
RETURNING id`), ev.CycleID, ev.TriggerReason, cols[0], cols[1], cols[2], cols[3], fmtTime(ev.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert evolution event")
	}
	ev.ID = id
	return id, nil
}

// InsertEvolutionEvent 单独写入事件（不换种群时，例如 aborted）
func (s *Store) InsertEvolutionEvent(ctx context.Context, ev *domain.EvolutionEvent) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return insertEvolutionEvent(ctx, s.db, ev)
}

// RecentEvolutionEvents 最新的在前
func (s *Store) RecentEvolutionEvents(ctx context.Context, limit int) ([]domain.EvolutionEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	var rows []evolutionRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, cycle_id, trigger_reason, survivors, replaced, new_bots, rankings, created_at
FROM evolution_events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select evolution events")
	}
	out := make([]domain.EvolutionEvent, 0, len(rows))
	for _, r := range rows {
		ev := domain.EvolutionEvent{
			ID:            r.ID,
			CycleID:       r.CycleID,
			TriggerReason: r.TriggerReason,
			CreatedAt:     parseTime(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.Survivors), &ev.Survivors)
		_ = json.Unmarshal([]byte(r.Replaced), &ev.Replaced)
		_ = json.Unmarshal([]byte(r.NewBots), &ev.NewBots)
		_ = json.Unmarshal([]byte(r.Rankings), &ev.Rankings)
		out = append(out, ev)
	}
	return out, nil
}

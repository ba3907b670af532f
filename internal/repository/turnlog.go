package repository

import (
	"context"
	"time"

	"github.com/memchat/bridge-server-go/internal/database"
	"github.com/memchat/bridge-server-go/internal/model"
)

type TurnLogRepository interface {
	Create(ctx context.Context, params model.CreateTurnParams) (*model.Turn, error)
	FindRecentByIdentity(ctx context.Context, identity string, limit int) ([]model.Turn, error)
	CountByIdentity(ctx context.Context, identity string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type turnLogRepo struct {
	db database.DBTX
}

func NewTurnLogRepository(db database.DBTX) TurnLogRepository {
	return &turnLogRepo{db: db}
}

func (r *turnLogRepo) Create(ctx context.Context, params model.CreateTurnParams) (*model.Turn, error) {
	var turn model.Turn
	err := r.db.GetContext(ctx, &turn, `
		INSERT INTO turns (identity, conversation_id, user_text, assistant_text, history_tokens)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.Identity, params.ConversationID, params.UserText, params.AssistantText, params.HistoryTokens)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (r *turnLogRepo) FindRecentByIdentity(ctx context.Context, identity string, limit int) ([]model.Turn, error) {
	var turns []model.Turn
	err := r.db.SelectContext(ctx, &turns, `
		SELECT * FROM turns
		WHERE identity = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, identity, limit)
	return turns, err
}

func (r *turnLogRepo) CountByIdentity(ctx context.Context, identity string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM turns WHERE identity = $1
	`, identity)
	return count, err
}

func (r *turnLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM turns WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

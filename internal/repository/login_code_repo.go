package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/db"
	"subscribe-service/pkg/otel"
	"subscribe-service/pkg/sentinel"
)

// LoginCodeRepository 存储管理登录码，过期的行不会主动清理
type LoginCodeRepository struct {
	db *pgxpool.Pool
}

func NewLoginCodeRepository(pool *pgxpool.Pool) *LoginCodeRepository {
	return &LoginCodeRepository{db: pool}
}

func (r *LoginCodeRepository) Create(ctx context.Context, code *model.LoginCode) error {
	query := `
		INSERT INTO login_code (code, email, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
		RETURNING created`

	// ON CONFLICT 不中断外层事务，调用方可换一个码重试
	return otel.Query(ctx, "insert", "login_code", func(ctx context.Context) error {
		err := db.Conn(ctx, r.db).QueryRow(ctx, query, code.Code, code.Email, code.ExpiresAt).Scan(&code.Created)
		if errors.Is(err, pgx.ErrNoRows) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert login code: %w", err)
		}
		return nil
	})
}

func (r *LoginCodeRepository) FindByCode(ctx context.Context, code string) (*model.LoginCode, error) {
	query := `SELECT code, email, expires_at, created FROM login_code WHERE code = $1`

	var lc model.LoginCode
	err := otel.Query(ctx, "select", "login_code", func(ctx context.Context) error {
		return db.Conn(ctx, r.db).QueryRow(ctx, query, code).Scan(&lc.Code, &lc.Email, &lc.ExpiresAt, &lc.Created)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &lc, nil
}

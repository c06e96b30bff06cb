package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/trigardening/internal/model"
)

// PostgresPasswordResetRepo はpassword_resetsテーブルを扱う。
type PostgresPasswordResetRepo struct {
	db *sql.DB
}

// NewPostgresPasswordResetRepo はPostgresPasswordResetRepoを生成する。
func NewPostgresPasswordResetRepo(db *sql.DB) *PostgresPasswordResetRepo {
	return &PostgresPasswordResetRepo{db: db}
}

// Replace はユーザーの既存トークンを削除してから新しいトークンを保存する。
// 再送信すると古いメールのリンクは使えなくなる。
func (r *PostgresPasswordResetRepo) Replace(ctx context.Context, reset *model.PasswordReset) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM password_resets WHERE user_id = $1`, reset.UserID); err != nil {
		return fmt.Errorf("failed to delete previous reset tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO password_resets (token_hash, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		reset.TokenHash, reset.UserID, reset.ExpiresAt, reset.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Consume は有効期限内のトークンを削除し、ユーザーIDを返す。該当なしは空文字列。
// 削除と取得を1文で行うため、同じトークンの同時使用は片方しか成功しない。
func (r *PostgresPasswordResetRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var userID string
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM password_resets WHERE token_hash = $1 AND expires_at > $2 RETURNING user_id`,
		tokenHash, now,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume reset token: %w", err)
	}
	return userID, nil
}

// compile-time interface check
var _ PasswordResetRepository = (*PostgresPasswordResetRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresCartSlotRepo はPostgreSQLを使用したカート保存枠リポジトリ。
type PostgresCartSlotRepo struct {
	db *sql.DB
}

// NewPostgresCartSlotRepo はPostgresCartSlotRepoを生成する。
func NewPostgresCartSlotRepo(db *sql.DB) *PostgresCartSlotRepo {
	return &PostgresCartSlotRepo{db: db}
}

// Load は指定キーの保存内容を返す。行が存在しない場合はnilを返す。
func (r *PostgresCartSlotRepo) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM cart_slots WHERE slot_key = $1`,
		key,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart slot: %w", err)
	}

	return data, nil
}

// Save は指定キーの保存内容を上書きする。
// 同じキーへの書き込みは後勝ちとなる。
func (r *PostgresCartSlotRepo) Save(ctx context.Context, key string, data []byte, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cart_slots (slot_key, data, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (slot_key) DO UPDATE
		 SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, data, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cart slot: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CartSlotRepository = (*PostgresCartSlotRepo)(nil)

// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れセッション、期限切れのパスワード再設定トークン、長期間更新のない保存済みカート、
// メモリ上で使われなくなったカートストアを対象とする。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// defaultCartRetentionDays は保存済みカートの保持日数の既定値。
	defaultCartRetentionDays = 90
	// defaultIdleTTL はメモリ上のカートストアを解放するまでの未使用時間の既定値。
	defaultIdleTTL = 30 * time.Minute
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// IdleEvictor は未使用のカートストアを解放するインターフェース。cart.Registryが実装する。
type IdleEvictor interface {
	EvictIdle(idle time.Duration) int
}

// CleanupJob は期限切れデータの削除ジョブ。
// 各ステップは冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db                Executor
	evictor           IdleEvictor
	logger            *slog.Logger
	CartRetentionDays int           // 保存済みカートの保持日数（デフォルト: 90）
	IdleTTL           time.Duration // カートストアの未使用時間（デフォルト: 30分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// dbがnilの場合はDB上の削除を、evictorがnilの場合はカートストアの解放を行わない。
func NewCleanupJob(db Executor, evictor IdleEvictor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                db,
		evictor:           evictor,
		logger:            logger,
		CartRetentionDays: defaultCartRetentionDays,
		IdleTTL:           defaultIdleTTL,
	}
}

// Run は期限切れのセッション・再設定トークンと保持期間を超過したカートを削除し、未使用のカートストアを解放する。
// 途中のステップが失敗しても残りのステップは実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var (
		errs                    []error
		sessions, resets, carts int64
	)

	if j.db != nil {
		var err error
		// 1. 期限切れセッションの削除
		sessions, err = j.exec(ctx, "sessions", `DELETE FROM sessions WHERE expires_at < now()`)
		if err != nil {
			errs = append(errs, err)
		}

		// 2. 期限切れのパスワード再設定トークンの削除
		resets, err = j.exec(ctx, "password_resets", `DELETE FROM password_resets WHERE expires_at < now()`)
		if err != nil {
			errs = append(errs, err)
		}

		// 3. 保持期間を超過したカートの削除
		interval := fmt.Sprintf("%d days", j.CartRetentionDays)
		carts, err = j.exec(ctx, "cart_slots",
			`DELETE FROM cart_slots WHERE updated_at < now() - $1::interval`, interval)
		if err != nil {
			errs = append(errs, err)
		}
	}

	// 4. 未使用のカートストアの解放
	evicted := 0
	if j.evictor != nil {
		evicted = j.evictor.EvictIdle(j.IdleTTL)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_password_resets", resets),
		slog.Int64("deleted_carts", carts),
		slog.Int("evicted_stores", evicted),
		slog.Int("cart_retention_days", j.CartRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

// exec は削除クエリを実行し、削除件数を返す。
func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deletedCount, nil
}

// Package refresh はカタログフィードの定期再取得を提供する。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CatalogRefresher は種類ごとのカタログ再取得のインターフェース。feed.Cacheが実装する。
type CatalogRefresher interface {
	Kinds() []string
	Refresh(ctx context.Context, kind string) error
}

// defaultMaxConcurrency は同時に再取得する種類数の既定値。
const defaultMaxConcurrency = 4

// Scheduler はカタログ再取得のスケジューリングと並列制御を行う。
// 一定間隔のティッカーで全種類を再取得し、
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	refresher      CatalogRefresher
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(refresher CatalogRefresher, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		refresher:      refresher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("カタログ再取得スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("カタログ再取得スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は全種類を並列で1回再取得し、失敗した種類の数を返す。
// 個別の失敗はログに記録し、他の種類の再取得は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	kinds := s.refresher.Kinds()
	if len(kinds) == 0 {
		s.logger.Info("再取得対象のカタログはありません")
		return 0
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)

	for _, kind := range kinds {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(kind string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.refresher.Refresh(ctx, kind); err != nil {
				failed.Add(1)
				s.logger.Error("カタログの再取得に失敗しました",
					slog.String("kind", kind),
					slog.String("error", err.Error()),
				)
			}
		}(kind)
	}

	wg.Wait()

	s.logger.Info("カタログ再取得サイクルが完了しました",
		slog.Int("kind_count", len(kinds)),
		slog.Int("failed", int(failed.Load())),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return int(failed.Load())
}

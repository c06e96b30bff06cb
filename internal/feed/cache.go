package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/trigardening/internal/catalog"
)

// Fetcher は種類ごとのフィード取得のインターフェース。Loaderが実装する。
type Fetcher interface {
	Load(ctx context.Context, kind string) (LoadResult, error)
	Kinds() []string
}

// EntriesRecorder はキャッシュ済みエントリ数を記録するインターフェース。
type EntriesRecorder interface {
	RecordCatalogEntries(kind string, count int)
}

// failureState は種類ごとの連続失敗回数と次回再試行可能時刻。
type failureState struct {
	consecutive int
	retryAt     time.Time
}

// Cache は種類ごとに直近の取得結果を保持する。
// 初回参照時に遅延取得し、以降はRefreshで更新する。
// 取得に失敗した種類は直前の内容（なければ空）を返し、指数バックオフの間は再取得しない。
type Cache struct {
	fetcher  Fetcher
	recorder EntriesRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	entries  map[string][]catalog.Entry
	loaded   map[string]bool
	failures map[string]*failureState
}

// NewCache はCacheの新しいインスタンスを生成する。recorderはnilでもよい。
func NewCache(fetcher Fetcher, recorder EntriesRecorder, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher:  fetcher,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string][]catalog.Entry),
		loaded:   make(map[string]bool),
		failures: make(map[string]*failureState),
	}
}

// Kinds は取得対象の種類を返す。
func (c *Cache) Kinds() []string {
	return c.fetcher.Kinds()
}

// Entries は指定された種類のエントリを指定順に連結して返す。
// 未取得の種類はその場で取得する。返すスライスは呼び出し側が自由に変更してよい。
func (c *Cache) Entries(ctx context.Context, kinds ...string) []catalog.Entry {
	var out []catalog.Entry
	for _, kind := range kinds {
		c.mu.RLock()
		loaded := c.loaded[kind]
		c.mu.RUnlock()

		if !loaded {
			// 失敗はRefresh内でログ出力済み。空として扱う
			_ = c.Refresh(ctx, kind)
		}

		c.mu.RLock()
		out = append(out, c.entries[kind]...)
		c.mu.RUnlock()
	}
	if out == nil {
		return []catalog.Entry{}
	}
	return out
}

// Refresh は指定された種類を再取得する。
// バックオフ中の場合は取得せずnilを返す。取得に失敗した場合も直前の内容は保持する。
func (c *Cache) Refresh(ctx context.Context, kind string) error {
	if c.inBackoff(kind) {
		c.logger.Debug("バックオフ中のためカタログ取得をスキップします",
			slog.String("kind", kind),
		)
		return nil
	}

	result, err := c.fetcher.Load(ctx, kind)
	if err != nil {
		c.recordFailure(kind)
		return err
	}

	c.mu.Lock()
	delete(c.failures, kind)
	c.loaded[kind] = true
	if !result.NotModified {
		c.entries[kind] = result.Entries
	}
	count := len(c.entries[kind])
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordCatalogEntries(kind, count)
	}
	return nil
}

// RefreshAll は全種類を順に再取得し、失敗をまとめて返す。
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, kind := range c.fetcher.Kinds() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.Refresh(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) inBackoff(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.failures[kind]
	return ok && c.now().Before(f.retryAt)
}

// recordFailure は連続失敗回数を更新し、次回再試行可能時刻を設定する。
// 一度も取得できていない種類は空として取得済み扱いにする。
func (c *Cache) recordFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.failures[kind]
	if !ok {
		f = &failureState{}
		c.failures[kind] = f
	}
	delay := CalculateBackoff(f.consecutive)
	f.consecutive++
	f.retryAt = c.now().Add(delay)
	c.loaded[kind] = true

	c.logger.Warn("カタログ取得にバックオフを適用します",
		slog.String("kind", kind),
		slog.Int("consecutive_errors", f.consecutive),
		slog.Duration("retry_after", delay),
	)
}

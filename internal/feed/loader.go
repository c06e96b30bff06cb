package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/metrics"
)

// ErrCatalogFetchFailed はカタログフィードを取得・解析できなかったことを示す。
var ErrCatalogFetchFailed = errors.New("catalog fetch failed")

// publishedDateLayout はRSS記事の公開日をEntry.Dateに格納する際の形式。
const publishedDateLayout = "2006-01-02"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FetchRecorder はフィード取得に関するメトリクス記録のインターフェース。
type FetchRecorder interface {
	RecordCatalogFetch(kind, result string)
	RecordCatalogFetchLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// LoadResult は1つの種類のフィード取得結果。
// NotModifiedがtrueの場合、Entriesは空で前回の内容を使い続ける。
type LoadResult struct {
	Entries     []catalog.Entry
	NotModified bool
}

// validators は条件付き取得に使う前回レスポンスの識別情報。
type validators struct {
	etag         string
	lastModified string
	modTime      time.Time
}

// Loader はカタログフィードをHTTPまたはローカルファイルから取得し、エントリ一覧に変換する。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// JSON配列またはRSS/Atomの解析、記事本文のサニタイズを実行する。
type Loader struct {
	sources     map[string]Source
	kinds       []string
	ssrfGuard   SSRFValidator
	sanitizer   Sanitizer
	recorder    FetchRecorder
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64

	mu         sync.Mutex
	validators map[string]validators
}

// NewLoader はLoaderの新しいインスタンスを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewLoader(
	sources []Source,
	ssrfGuard SSRFValidator,
	sanitizer Sanitizer,
	recorder FetchRecorder,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Loader {
	l := &Loader{
		sources:     make(map[string]Source, len(sources)),
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		recorder:    recorder,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		validators:  make(map[string]validators),
	}
	for _, src := range sources {
		if _, dup := l.sources[src.Kind]; !dup {
			l.kinds = append(l.kinds, src.Kind)
		}
		l.sources[src.Kind] = src
	}
	return l
}

// Kinds は設定済みの種類を設定順に返す。
func (l *Loader) Kinds() []string {
	return slices.Clone(l.kinds)
}

// Load は指定された種類のフィードを取得する。
// 取得・解析に失敗した場合はErrCatalogFetchFailedをラップしたエラーを返す。
func (l *Loader) Load(ctx context.Context, kind string) (LoadResult, error) {
	src, ok := l.sources[kind]
	if !ok {
		return LoadResult{}, fmt.Errorf("%w: unknown kind %q", ErrCatalogFetchFailed, kind)
	}

	start := time.Now()
	var (
		body        []byte
		next        validators
		notModified bool
		err         error
	)
	if src.Path != "" {
		body, next, notModified, err = l.readFile(src)
	} else {
		body, next, notModified, err = l.fetchURL(ctx, src)
	}
	l.recordLatency(time.Since(start))

	if err != nil {
		l.recordFetch(kind, metrics.FetchResultError)
		l.logger.Warn("カタログフィードの取得に失敗しました",
			slog.String("kind", kind),
			slog.String("source", src.location()),
			slog.String("error", err.Error()),
		)
		return LoadResult{}, fmt.Errorf("%w: kind %s: %w", ErrCatalogFetchFailed, kind, err)
	}
	if notModified {
		l.recordFetch(kind, metrics.FetchResultNotModified)
		l.logger.Debug("カタログフィードは未変更です",
			slog.String("kind", kind),
			slog.String("source", src.location()),
		)
		return LoadResult{NotModified: true}, nil
	}

	entries, err := l.decode(src, body)
	if err != nil {
		l.recordFetch(kind, metrics.FetchResultError)
		l.logger.Warn("カタログフィードの解析に失敗しました",
			slog.String("kind", kind),
			slog.String("source", src.location()),
			slog.String("error", err.Error()),
		)
		return LoadResult{}, fmt.Errorf("%w: kind %s: %w", ErrCatalogFetchFailed, kind, err)
	}

	// 解析に成功した場合のみ条件付き取得の識別情報を更新する
	l.mu.Lock()
	l.validators[kind] = next
	l.mu.Unlock()

	l.recordFetch(kind, metrics.FetchResultOK)
	l.logger.Info("カタログフィードを取得しました",
		slog.String("kind", kind),
		slog.String("source", src.location()),
		slog.Int("entries", len(entries)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return LoadResult{Entries: entries}, nil
}

// readFile はローカルファイルのフィードを読み込む。更新時刻が前回と同じなら未変更とする。
func (l *Loader) readFile(src Source) ([]byte, validators, bool, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, validators{}, false, fmt.Errorf("failed to stat feed file: %w", err)
	}

	l.mu.Lock()
	prev := l.validators[src.Kind]
	l.mu.Unlock()
	if !prev.modTime.IsZero() && prev.modTime.Equal(info.ModTime()) {
		return nil, prev, true, nil
	}

	if l.maxBodySize > 0 && info.Size() > l.maxBodySize {
		return nil, validators{}, false, fmt.Errorf("feed file exceeds %d bytes", l.maxBodySize)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, validators{}, false, fmt.Errorf("failed to read feed file: %w", err)
	}
	return data, validators{modTime: info.ModTime()}, false, nil
}

// fetchURL はHTTPでフィードを取得する。304の場合は未変更とする。
func (l *Loader) fetchURL(ctx context.Context, src Source) ([]byte, validators, bool, error) {
	// 1. SSRF検証
	if err := l.ssrfGuard.ValidateURL(src.URL); err != nil {
		return nil, validators{}, false, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	// 2. リクエスト構築
	client := l.ssrfGuard.NewSafeClient(l.timeout, l.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, validators{}, false, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "TriGardening/1.0 Catalog Loader")
	if src.Format == FormatRSS {
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	} else {
		req.Header.Set("Accept", "application/json, */*")
	}

	l.mu.Lock()
	prev := l.validators[src.Kind]
	l.mu.Unlock()
	if prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}
	if prev.lastModified != "" {
		req.Header.Set("If-Modified-Since", prev.lastModified)
	}

	// 3. リクエスト実行
	resp, err := client.Do(req)
	if err != nil {
		return nil, validators{}, false, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()
	l.recordHTTPStatus(resp.StatusCode)

	// 4. HTTPステータスに基づく処理分岐
	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultNotModified:
		return nil, prev, true, nil
	default:
		return nil, validators{}, false, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	// 5. レスポンスボディを読み込み（最大サイズ制限付き）
	reader := io.Reader(resp.Body)
	if l.maxBodySize > 0 {
		reader = io.LimitReader(resp.Body, l.maxBodySize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, validators{}, false, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	next := validators{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	return body, next, false, nil
}

// decode はフィード本文を形式に応じて解析し、種類のラベル付けと記事の整形を行う。
func (l *Loader) decode(src Source, body []byte) ([]catalog.Entry, error) {
	var (
		entries []catalog.Entry
		err     error
	)
	switch src.Format {
	case FormatRSS:
		entries, err = parseRSS(body)
	default:
		entries, err = catalog.DecodeEntries(body)
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Kind = src.Kind
		if src.Kind == catalog.KindPosts {
			entries[i] = EnrichPost(entries[i], l.sanitizer)
		}
	}
	return entries, nil
}

// parseRSS はRSS/Atomフィードを記事エントリに変換する。
func parseRSS(body []byte) ([]catalog.Entry, error) {
	parser := gofeed.NewParser()
	parsed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	entries := make([]catalog.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, convertGofeedItem(item))
	}
	return entries, nil
}

// convertGofeedItem はgofeedの記事をカタログエントリに変換する。
func convertGofeedItem(item *gofeed.Item) catalog.Entry {
	e := catalog.Entry{
		ID:      item.GUID,
		Title:   item.Title,
		Excerpt: item.Description,
		Content: item.Content,
	}

	// GUIDがない場合はリンクをIDとして使用
	if e.ID == "" {
		e.ID = item.Link
	}
	// Contentが空の場合はDescriptionを使用
	if e.Content == "" {
		e.Content = item.Description
	}
	if len(item.Categories) > 0 {
		e.Category = strings.TrimSpace(item.Categories[0])
	}
	if item.Image != nil {
		e.Hero = item.Image.URL
	}

	// 公開日時
	if item.PublishedParsed != nil {
		e.Date = item.PublishedParsed.UTC().Format(publishedDateLayout)
	} else if item.UpdatedParsed != nil {
		e.Date = item.UpdatedParsed.UTC().Format(publishedDateLayout)
	}

	if item.Link != "" {
		if raw, err := json.Marshal(item.Link); err == nil {
			e.Extra = map[string]json.RawMessage{"link": raw}
		}
	}
	return e
}

func (l *Loader) recordFetch(kind, result string) {
	if l.recorder != nil {
		l.recorder.RecordCatalogFetch(kind, result)
	}
}

func (l *Loader) recordLatency(d time.Duration) {
	if l.recorder != nil {
		l.recorder.RecordCatalogFetchLatency(d)
	}
}

func (l *Loader) recordHTTPStatus(code int) {
	if l.recorder != nil {
		l.recorder.RecordHTTPStatus(code)
	}
}

func (s Source) location() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

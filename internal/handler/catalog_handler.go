package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/model"
)

const (
	// relatedLimit は詳細ページに表示する関連エントリの最大件数。
	relatedLimit = 4
	// sidebarRecentLimit はブログサイドバーの新着記事の件数。
	sidebarRecentLimit = 5
)

// CatalogSource はカタログハンドラーが必要とするエントリ取得のインターフェース。
// feed.Cacheが実装する。
type CatalogSource interface {
	Entries(ctx context.Context, kinds ...string) []catalog.Entry
}

// CatalogHandler はカタログ一覧・詳細のHTTPハンドラー。
type CatalogHandler struct {
	source CatalogSource
	views  map[string]catalog.ViewConfig
}

// NewCatalogHandler はCatalogHandlerを生成する。viewsがnilの場合は標準のビュー設定を使う。
func NewCatalogHandler(source CatalogSource, views map[string]catalog.ViewConfig) *CatalogHandler {
	if views == nil {
		views = catalog.DefaultViews()
	}
	return &CatalogHandler{
		source: source,
		views:  views,
	}
}

// listResponse は一覧のAPIレスポンス。
type listResponse struct {
	View         string          `json:"view"`
	Items        []catalog.Entry `json:"items"`
	CurrentPage  int             `json:"current_page"`
	TotalPages   int             `json:"total_pages"`
	TotalMatched int             `json:"total_matched"`
	Pages        []int           `json:"pages,omitempty"`
	HasMore      bool            `json:"has_more"`
	Categories   []string        `json:"categories"`
}

// detailResponse は詳細のAPIレスポンス。
type detailResponse struct {
	Entry   catalog.Entry   `json:"entry"`
	Related []catalog.Entry `json:"related"`
}

// sidebarResponse はブログサイドバーのAPIレスポンス。
type sidebarResponse struct {
	Recent     []catalog.Entry         `json:"recent"`
	Categories []catalog.CategoryCount `json:"categories"`
}

// List は一覧ビューの検索結果を返す。
// GET /api/catalog/{view}?q=&category=&kind=&sort=&page=&more=
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	// 1. ビュー設定の解決
	view, ok := h.views[chi.URLParam(r, "view")]
	if !ok {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUnknownViewError(chi.URLParam(r, "view")))
		return
	}

	// 2. クエリパラメータの検証
	q := r.URL.Query()
	sortKey, err := catalog.ParseSortKey(q.Get("sort"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError("sort"))
		return
	}
	page, ok := parseNonNegativeInt(q.Get("page"), 1)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError("page"))
		return
	}
	more, ok := parseNonNegativeInt(q.Get("more"), 0)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError("more"))
		return
	}

	// 3. ビュー対象のエントリ取得（取得失敗は空一覧として扱う）
	entries := h.source.Entries(r.Context(), view.Kinds...)
	params := view.Params(q.Get("q"), q.Get("category"), q.Get("kind"), sortKey, page)

	resp := listResponse{
		View:       view.Name,
		Categories: nonNil(catalog.Categories(entries)),
	}

	// 4. 「もっと見る」形式はページングせずに先頭から切り出す
	if view.LoadMoreStep > 0 {
		filtered := catalog.Filter(entries, params)
		catalog.SortEntries(filtered, sortKey)
		items, hasMore := catalog.LoadMore(filtered, view.Visible(more))
		resp.Items = items
		resp.CurrentPage = 1
		resp.TotalPages = 1
		resp.TotalMatched = len(filtered)
		resp.HasMore = hasMore
		writeJSON(w, http.StatusOK, resp)
		return
	}

	result, err := catalog.Query(entries, params)
	if err != nil {
		handleServiceError(w, model.NewInvalidParameterError(err.Error()))
		return
	}
	resp.Items = result.Items
	resp.CurrentPage = result.CurrentPage
	resp.TotalPages = result.TotalPages
	resp.TotalMatched = result.TotalMatched
	resp.Pages = catalog.PageWindow(result.CurrentPage, result.TotalPages)
	resp.HasMore = result.CurrentPage < result.TotalPages
	writeJSON(w, http.StatusOK, resp)
}

// Get はエントリの詳細と同じカテゴリの関連エントリを返す。
// 複数の種類をまとめたビューで同じIDが複数ある場合はkindの指定が必要。
// GET /api/catalog/{view}/{id}?kind=
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, ok := h.views[chi.URLParam(r, "view")]
	if !ok {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUnknownViewError(chi.URLParam(r, "view")))
		return
	}

	id := chi.URLParam(r, "id")
	entries := h.source.Entries(r.Context(), view.Kinds...)
	entry, err := catalog.FindEntry(entries, r.URL.Query().Get("kind"), id)
	if err != nil {
		writeEntryLookupError(w, err, id)
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{
		Entry:   entry,
		Related: catalog.Related(entries, entry, relatedLimit),
	})
}

// BlogSidebar はブログの新着記事とカテゴリ別件数を返す。
// GET /api/blog/sidebar
func (h *CatalogHandler) BlogSidebar(w http.ResponseWriter, r *http.Request) {
	posts := h.source.Entries(r.Context(), catalog.KindPosts)
	writeJSON(w, http.StatusOK, sidebarResponse{
		Recent:     catalog.Recent(posts, sidebarRecentLimit),
		Categories: nonNil(catalog.CategoryCounts(posts)),
	})
}

// writeEntryLookupError はcatalog.FindEntryのエラーをAPIエラーとして書き込む。
func writeEntryLookupError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, catalog.ErrAmbiguousEntry) {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewAmbiguousEntryError(id))
		return
	}
	writeAPIErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
}

// parseNonNegativeInt は空文字列の場合にdefaultValを返す。
// 数値でない・負の値の場合はfalseを返す。範囲外のページ番号はクエリ側で丸める。
func parseNonNegativeInt(s string, defaultVal int) (int, bool) {
	if s == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// nonNil はJSONでnullではなく空配列を返すためにnilスライスを置き換える。
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

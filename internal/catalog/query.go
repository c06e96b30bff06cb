package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrInvalidParameter はクエリパラメータが不正な場合のエラー。
// pageSize <= 0 などの呼び出し側のプログラミングエラーを表す。
var ErrInvalidParameter = errors.New("invalid catalog query parameter")

// SortKey は並び順を表す。
type SortKey string

const (
	// SortDefault はフィルタ後の順序をそのまま維持する。
	SortDefault SortKey = "default"
	// SortPriceAsc は価格の安い順。
	SortPriceAsc SortKey = "price-asc"
	// SortPriceDesc は価格の高い順。
	SortPriceDesc SortKey = "price-desc"
	// SortRatingDesc は評価の高い順。評価なしは0として扱う。
	SortRatingDesc SortKey = "rating-desc"
	// SortNameAsc は名前の昇順（ロケールを考慮した比較）。
	SortNameAsc SortKey = "name-asc"
	// SortDateDesc は日付の新しい順。ブログの新着表示に使う。
	SortDateDesc SortKey = "date-desc"
)

// ParseSortKey は文字列をSortKeyに変換する。空文字列はSortDefaultとして扱う。
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(s) {
	case "", SortDefault:
		return SortDefault, nil
	case SortPriceAsc, SortPriceDesc, SortRatingDesc, SortNameAsc, SortDateDesc:
		return SortKey(s), nil
	default:
		return SortDefault, fmt.Errorf("%w: unknown sort key %q", ErrInvalidParameter, s)
	}
}

// Params は一覧クエリのパラメータ。状態は呼び出し側が保持する。
type Params struct {
	SearchText string
	Category   string
	Kind       string
	Sort       SortKey
	Page       int
	PageSize   int

	// TextFields は検索対象のフィールド名。空の場合は name と title を対象にする。
	TextFields []string
}

// View はクエリ結果のページと、ページングUIに必要なメタデータ。
type View struct {
	Items        []Entry `json:"items"`
	CurrentPage  int     `json:"current_page"`
	TotalPages   int     `json:"total_pages"`
	TotalMatched int     `json:"total_matched"`
}

var defaultTextFields = []string{"name", "title"}

// Query はエントリ一覧にフィルタ・並び替え・ページングを適用したビューを返す。
// 入力スライスは変更しない。同じ入力に対して常に同じ結果を返す。
//
// 処理順序:
//
//	カテゴリ絞り込み → 種類絞り込み → テキスト検索 → 安定ソート → ページング
func Query(entries []Entry, params Params) (View, error) {
	if params.PageSize <= 0 {
		return View{}, fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidParameter, params.PageSize)
	}

	// 1. 絞り込み（カテゴリ AND 種類 AND 検索語）
	filtered := Filter(entries, params)

	// 2. 並び替え
	SortEntries(filtered, params.Sort)

	// 3. ページング
	return Paginate(filtered, params.Page, params.PageSize), nil
}

// Filter はカテゴリ・種類・検索語による絞り込み結果を新しいスライスで返す。
// 条件はすべてANDで結合される。
func Filter(entries []Entry, params Params) []Entry {
	needle := strings.ToLower(strings.TrimSpace(params.SearchText))
	fields := params.TextFields
	if len(fields) == 0 {
		fields = defaultTextFields
	}

	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if params.Category != "" && e.Category != params.Category {
			continue
		}
		if params.Kind != "" && e.Kind != params.Kind {
			continue
		}
		if needle != "" && !matchesText(e, fields, needle) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func matchesText(e Entry, fields []string, needle string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(e.Text(f)), needle) {
			return true
		}
	}
	return false
}

// SortEntries はエントリをその場で安定ソートする。
// 同じキーのエントリは元の相対順序を維持する。SortDefaultと未知のキーでは並び替えない。
func SortEntries(entries []Entry, key SortKey) {
	switch key {
	case SortPriceAsc:
		slices.SortStableFunc(entries, func(a, b Entry) int { return compareFloat(a.Price, b.Price) })
	case SortPriceDesc:
		slices.SortStableFunc(entries, func(a, b Entry) int { return compareFloat(b.Price, a.Price) })
	case SortRatingDesc:
		slices.SortStableFunc(entries, func(a, b Entry) int { return compareFloat(b.Rating, a.Rating) })
	case SortNameAsc:
		// collate.Collatorはゴルーチンセーフではないため呼び出しごとに生成する
		c := collate.New(language.English)
		slices.SortStableFunc(entries, func(a, b Entry) int {
			return c.CompareString(a.DisplayName(), b.DisplayName())
		})
	case SortDateDesc:
		slices.SortStableFunc(entries, func(a, b Entry) int {
			return b.PublishedAt().Compare(a.PublishedAt())
		})
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Paginate はフィルタ済み一覧から指定ページを切り出す。
// 範囲外のページ番号は [1, totalPages] に丸める。該当0件でもtotalPagesは1。
// pageSizeは正の値であることを呼び出し側が保証する。
func Paginate(filtered []Entry, page, pageSize int) View {
	total := len(filtered)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}

	current := min(max(page, 1), totalPages)

	start := min((current-1)*pageSize, total)
	end := min(start+pageSize, total)

	items := make([]Entry, end-start)
	copy(items, filtered[start:end])

	return View{
		Items:        items,
		CurrentPage:  current,
		TotalPages:   totalPages,
		TotalMatched: total,
	}
}

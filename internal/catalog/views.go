package catalog

import "math"

// ViewConfig は一覧ビューごとのクエリ設定。
// どのフィード（kind）を束ねるか、1ページの件数、検索対象フィールドを定める。
type ViewConfig struct {
	Name       string
	Kinds      []string
	PageSize   int
	TextFields []string

	// LoadMoreStep が正の場合はページ番号ではなく「もっと見る」形式で表示する。
	// PageSizeが初期表示件数になる。
	LoadMoreStep int
}

// Visible は「もっと見る」をn回押した後の表示件数を返す。
// 大きなnでもオーバーフローせずmath.MaxIntで頭打ちになる。
func (v ViewConfig) Visible(n int) int {
	n = max(n, 0)
	if v.LoadMoreStep <= 0 || n == 0 {
		return v.PageSize
	}
	if n > (math.MaxInt-v.PageSize)/v.LoadMoreStep {
		return math.MaxInt
	}
	return v.PageSize + n*v.LoadMoreStep
}

// Params はビュー設定と呼び出し側の状態からクエリパラメータを組み立てる。
func (v ViewConfig) Params(search, category, kind string, sort SortKey, page int) Params {
	return Params{
		SearchText: search,
		Category:   category,
		Kind:       kind,
		Sort:       sort,
		Page:       page,
		PageSize:   v.PageSize,
		TextFields: v.TextFields,
	}
}

// ビュー名。
const (
	ViewShop            = "shop"
	ViewProducts        = "products"
	ViewBlog            = "blog"
	ViewCategories      = "categories"
	ViewFruitTrees      = "fruit-trees"
	ViewFloweringPlants = "flowering-plants"
)

// LoadMoreInitial と LoadMoreStep は「もっと見る」形式の一覧の初期表示件数と増分。
const (
	LoadMoreInitial = 6
	LoadMoreStep    = 3
)

// DefaultViews は標準の一覧ビュー設定を返す。
func DefaultViews() map[string]ViewConfig {
	return map[string]ViewConfig{
		ViewShop: {
			Name:       ViewShop,
			Kinds:      []string{KindPlants, KindTools, KindFertilizers},
			PageSize:   8,
			TextFields: []string{"name"},
		},
		ViewProducts: {
			Name:         ViewProducts,
			Kinds:        []string{KindProducts},
			PageSize:     LoadMoreInitial,
			TextFields:   []string{"name", "description"},
			LoadMoreStep: LoadMoreStep,
		},
		ViewBlog: {
			Name:       ViewBlog,
			Kinds:      []string{KindPosts},
			PageSize:   10,
			TextFields: []string{"title", "excerpt"},
		},
		ViewCategories: {
			Name:       ViewCategories,
			Kinds:      []string{KindCategories},
			PageSize:   5,
			TextFields: []string{"name"},
		},
		ViewFruitTrees: {
			Name:       ViewFruitTrees,
			Kinds:      []string{KindFruitTrees},
			PageSize:   6,
			TextFields: []string{"name"},
		},
		ViewFloweringPlants: {
			Name:       ViewFloweringPlants,
			Kinds:      []string{KindFloweringPlants},
			PageSize:   8,
			TextFields: []string{"name"},
		},
	}
}

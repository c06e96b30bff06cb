package catalog

// Ellipsis はPageWindowで省略記号を表す値。
const Ellipsis = 0

// maxVisiblePages はページ番号を省略せずに表示する最大ページ数。
const maxVisiblePages = 5

// PageWindow はページ番号ボタンの並びを返す。省略部分にはEllipsis(0)が入る。
//
//	total <= 5           : 1 2 3 4 5
//	current <= 3         : 1 2 3 4 … total
//	current >= total - 2 : 1 … total-3 total-2 total-1 total
//	それ以外              : 1 … current-1 current current+1 … total
func PageWindow(current, total int) []int {
	if total < 1 {
		total = 1
	}
	current = min(max(current, 1), total)

	if total <= maxVisiblePages {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages
	}

	switch {
	case current <= 3:
		return []int{1, 2, 3, 4, Ellipsis, total}
	case current >= total-2:
		return []int{1, Ellipsis, total - 3, total - 2, total - 1, total}
	default:
		return []int{1, Ellipsis, current - 1, current, current + 1, Ellipsis, total}
	}
}

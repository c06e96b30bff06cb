package catalog

import "errors"

// ErrEntryNotFound は指定した種類・IDのエントリが存在しない場合のエラー。
var ErrEntryNotFound = errors.New("catalog entry not found")

// ErrAmbiguousEntry は種類を指定せずに検索したIDが複数の種類に存在する場合のエラー。
// IDは種類（フィード）ごとにしか一意でない。
var ErrAmbiguousEntry = errors.New("catalog entry id is ambiguous")

// CategoryCount はカテゴリごとのエントリ件数。
type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Categories は空でないカテゴリ名を初出順に重複なく返す。
// 絞り込みUIのカテゴリ選択肢に使う。
func Categories(entries []Entry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.Category == "" || seen[e.Category] {
			continue
		}
		seen[e.Category] = true
		out = append(out, e.Category)
	}
	return out
}

// CategoryCounts はカテゴリごとの件数を返す。
// 並び順は日付の新しい順に並べたときの初出順。カテゴリ未設定は "Uncategorized" に集計する。
func CategoryCounts(entries []Entry) []CategoryCount {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted, SortDateDesc)

	index := make(map[string]int)
	var out []CategoryCount
	for _, e := range sorted {
		name := e.Category
		if name == "" {
			name = UncategorizedLabel
		}
		if i, ok := index[name]; ok {
			out[i].Count++
			continue
		}
		index[name] = len(out)
		out = append(out, CategoryCount{Name: name, Count: 1})
	}
	return out
}

// Recent は日付の新しい順に先頭n件を返す。
func Recent(entries []Entry, n int) []Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted, SortDateDesc)
	return sorted[:min(max(n, 0), len(sorted))]
}

// Related は同じカテゴリに属する他のエントリを元の順序で最大n件返す。
// 基準エントリ自身は含めない。
func Related(entries []Entry, base Entry, n int) []Entry {
	out := make([]Entry, 0, max(n, 0))
	for _, e := range entries {
		if len(out) >= n {
			break
		}
		if e.Category != base.Category || (e.ID == base.ID && e.Kind == base.Kind) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// FindEntry は種類とIDが一致するエントリを返す。
// kindが空の場合は全種類から探し、異なる種類に同じIDがあればErrAmbiguousEntryを返す。
func FindEntry(entries []Entry, kind, id string) (Entry, error) {
	var (
		found Entry
		ok    bool
	)
	for _, e := range entries {
		if e.ID != id || (kind != "" && e.Kind != kind) {
			continue
		}
		if !ok {
			found, ok = e, true
			continue
		}
		if e.Kind != found.Kind {
			return Entry{}, ErrAmbiguousEntry
		}
	}
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return found, nil
}

// LoadMore は「もっと見る」形式の一覧で表示する先頭visible件を返す。
// hasMoreは残りがあるかどうか。
func LoadMore(entries []Entry, visible int) (items []Entry, hasMore bool) {
	n := min(max(visible, 0), len(entries))
	return entries[:n], n < len(entries)
}

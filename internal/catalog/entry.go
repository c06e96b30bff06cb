// Package catalog はカタログ一覧の検索・絞り込み・並び替え・ページングを提供する。
// 商品、ブログ記事、カテゴリなど種類の異なるエントリを同じクエリエンジンで扱う。
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// エントリの種類（kind）。外部フィードのファイル単位に対応する。
const (
	KindPlants          = "plants"
	KindTools           = "tools"
	KindFertilizers     = "fertilizers"
	KindProducts        = "products"
	KindPosts           = "posts"
	KindCategories      = "categories"
	KindFruitTrees      = "fruit-trees"
	KindFloweringPlants = "flowering-plants"
)

// UncategorizedLabel はカテゴリ未設定エントリの集計用ラベル。
const UncategorizedLabel = "Uncategorized"

// Entry はカタログフィードの1件を表す。商品と記事の両方を表現する。
// 既知フィールド以外はExtraに生のJSONとして保持し、再エンコード時にそのまま出力する。
type Entry struct {
	ID            string
	Kind          string
	Category      string
	Name          string
	Title         string
	Price         float64
	Rating        float64
	Date          string
	Excerpt       string
	Description   string
	Image         string
	Hero          string
	Content       string
	MinutesToRead int

	Extra map[string]json.RawMessage
}

// knownFields はEntryの構造体フィールドに対応するJSONキー。
var knownFields = map[string]bool{
	"id": true, "type": true, "kind": true, "category": true, "name": true, "title": true,
	"price": true, "rating": true, "date": true, "excerpt": true, "description": true,
	"image": true, "hero": true, "content": true, "minutesToRead": true,
}

// DisplayName は表示名を返す。商品はname、記事はtitleを持つ。
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Title
}

// DisplayImage は一覧表示用の画像URLを返す。
func (e Entry) DisplayImage() string {
	if e.Image != "" {
		return e.Image
	}
	return e.Hero
}

// Text は検索対象として指定されたフィールドの値を返す。
// 未知のフィールド名や未設定フィールドは空文字列として扱う。
func (e Entry) Text(field string) string {
	switch field {
	case "name":
		return e.Name
	case "title":
		return e.Title
	case "excerpt":
		return e.Excerpt
	case "description":
		return e.Description
	case "category":
		return e.Category
	default:
		return ""
	}
}

// PublishedAt はdateフィールドを時刻として解釈する。解釈できない場合はゼロ値を返す。
func (e Entry) PublishedAt() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006/01/02", "January 2, 2006"} {
		if t, err := time.Parse(layout, e.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// UnmarshalJSON はフィードの1レコードをデコードする。
// idは数値・文字列どちらも受け付け、数値フィールドの型不一致はゼロ値として扱う。
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode catalog entry: %w", err)
	}

	*e = Entry{
		ID:            rawString(raw["id"]),
		Kind:          firstNonEmpty(rawString(raw["kind"]), rawString(raw["type"])),
		Category:      rawString(raw["category"]),
		Name:          rawString(raw["name"]),
		Title:         rawString(raw["title"]),
		Price:         rawNumber(raw["price"]),
		Rating:        rawNumber(raw["rating"]),
		Date:          rawString(raw["date"]),
		Excerpt:       rawString(raw["excerpt"]),
		Description:   rawString(raw["description"]),
		Image:         rawString(raw["image"]),
		Hero:          rawString(raw["hero"]),
		Content:       rawString(raw["content"]),
		MinutesToRead: int(rawNumber(raw["minutesToRead"])),
	}

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}
	return nil
}

// MarshalJSON はフィードと同じキー名でエントリをエンコードする。
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+14)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["id"] = e.ID
	setIfNotEmpty(out, "kind", e.Kind)
	setIfNotEmpty(out, "category", e.Category)
	setIfNotEmpty(out, "name", e.Name)
	setIfNotEmpty(out, "title", e.Title)
	setIfNotEmpty(out, "date", e.Date)
	setIfNotEmpty(out, "excerpt", e.Excerpt)
	setIfNotEmpty(out, "description", e.Description)
	setIfNotEmpty(out, "image", e.Image)
	setIfNotEmpty(out, "hero", e.Hero)
	setIfNotEmpty(out, "content", e.Content)
	if p := Finite(e.Price); p != 0 {
		out["price"] = p
	}
	if r := Finite(e.Rating); r != 0 {
		out["rating"] = r
	}
	if e.MinutesToRead != 0 {
		out["minutesToRead"] = e.MinutesToRead
	}
	return json.Marshal(out)
}

// DecodeEntries はJSON配列をエントリ一覧にデコードする。
// 配列以外（オブジェクトやnull）は空一覧として扱わずエラーを返す。
func DecodeEntries(data []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("catalog feed is not a JSON array")
	}
	var entries []Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog feed: %w", err)
	}
	return entries, nil
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rawString は文字列または数値のJSON値を文字列に変換する。
func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// rawNumber は数値または数値文字列のJSON値をfloat64に変換する。
// "NaN" や "Inf" のような有限でない値は0として扱う。
func rawNumber(v json.RawMessage) float64 {
	if len(v) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return Finite(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return Finite(f)
		}
	}
	return 0
}

// Finite は有限でない値（NaN・±Inf）を0に置き換える。JSONにエンコードできない値を持ち込まないために使う。
func Finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

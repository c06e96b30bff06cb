// Package feed はカタログフィード（商品・記事などのJSON配列、またはRSS/Atom）の取得とキャッシュを提供する。
// 取得失敗は空のカタログとして扱い、直前に取得できた内容があればそれを使い続ける。
package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/trigardening/internal/catalog"
)

// フィードの形式。
const (
	FormatJSON = "json"
	FormatRSS  = "rss"
)

// Source はカタログの種類（kind）ごとの取得元。URLとPathのどちらか一方を指定する。
type Source struct {
	Kind   string `yaml:"kind"`
	URL    string `yaml:"url,omitempty"`
	Path   string `yaml:"path,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// sourcesFile はカタログ取得元設定ファイルの構造。
type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// defaultFileNames は種類ごとの既定のフィードファイル名。
var defaultFileNames = map[string]string{
	catalog.KindPlants:          "plants.json",
	catalog.KindTools:           "tools.json",
	catalog.KindFertilizers:     "fertilizers.json",
	catalog.KindProducts:        "products.json",
	catalog.KindPosts:           "posts.json",
	catalog.KindCategories:      "categories.json",
	catalog.KindFruitTrees:      "fruitstrees.json",
	catalog.KindFloweringPlants: "FloweringPlant.json",
}

// DefaultSources は既定の取得元一覧を返す。
// baseURLが指定されていればHTTPで、そうでなければdir配下のファイルから読み込む。
func DefaultSources(baseURL, dir string) []Source {
	kinds := []string{
		catalog.KindPlants,
		catalog.KindTools,
		catalog.KindFertilizers,
		catalog.KindProducts,
		catalog.KindPosts,
		catalog.KindCategories,
		catalog.KindFruitTrees,
		catalog.KindFloweringPlants,
	}

	sources := make([]Source, 0, len(kinds))
	for _, kind := range kinds {
		name := defaultFileNames[kind]
		src := Source{Kind: kind, Format: FormatJSON}
		if baseURL != "" {
			src.URL = strings.TrimRight(baseURL, "/") + "/" + name
		} else {
			src.Path = filepath.Join(dir, name)
		}
		sources = append(sources, src)
	}
	return sources
}

// ReadSourcesFile はYAML形式の取得元設定ファイルを読み込む。
//
//	sources:
//	  - kind: posts
//	    url: https://blog.example.com/feed.xml
//	    format: rss
func ReadSourcesFile(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources はYAMLの取得元設定を解析し、検証する。
func ParseSources(data []byte) ([]Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range f.Sources {
		src := &f.Sources[i]
		if src.Format == "" {
			src.Format = FormatJSON
		}
		if err := src.validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		if seen[src.Kind] {
			return nil, fmt.Errorf("source %d: duplicate kind %q", i, src.Kind)
		}
		seen[src.Kind] = true
	}
	return f.Sources, nil
}

// MergeSources はbaseの取得元をoverridesで種類ごとに上書きした一覧を返す。
func MergeSources(base, overrides []Source) []Source {
	index := make(map[string]int, len(base))
	out := make([]Source, len(base))
	copy(out, base)
	for i, src := range out {
		index[src.Kind] = i
	}
	for _, src := range overrides {
		if i, ok := index[src.Kind]; ok {
			out[i] = src
			continue
		}
		index[src.Kind] = len(out)
		out = append(out, src)
	}
	return out
}

func (s Source) validate() error {
	if s.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if (s.URL == "") == (s.Path == "") {
		return fmt.Errorf("exactly one of url or path is required for kind %q", s.Kind)
	}
	if s.Format != FormatJSON && s.Format != FormatRSS {
		return fmt.Errorf("unsupported format %q for kind %q", s.Format, s.Kind)
	}
	return nil
}

package feed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/trigardening/internal/catalog"
)

func TestDefaultSources_FromDir(t *testing.T) {
	sources := DefaultSources("", "/data")

	if len(sources) != 8 {
		t.Fatalf("sources = %d, want 8", len(sources))
	}
	byKind := make(map[string]Source)
	for _, s := range sources {
		if s.URL != "" {
			t.Errorf("kind %s: URL should be empty, got %q", s.Kind, s.URL)
		}
		if s.Format != FormatJSON {
			t.Errorf("kind %s: Format = %q", s.Kind, s.Format)
		}
		byKind[s.Kind] = s
	}

	tests := map[string]string{
		catalog.KindPlants:          "/data/plants.json",
		catalog.KindProducts:        "/data/products.json",
		catalog.KindPosts:           "/data/posts.json",
		catalog.KindFruitTrees:      "/data/fruitstrees.json",
		catalog.KindFloweringPlants: "/data/FloweringPlant.json",
	}
	for kind, want := range tests {
		if got := byKind[kind].Path; got != want {
			t.Errorf("kind %s: Path = %q, want %q", kind, got, want)
		}
	}
}

func TestDefaultSources_FromBaseURL(t *testing.T) {
	sources := DefaultSources("https://cdn.example.com/data/", "/ignored")

	for _, s := range sources {
		if s.Path != "" {
			t.Errorf("kind %s: Path should be empty", s.Kind)
		}
		if !strings.HasPrefix(s.URL, "https://cdn.example.com/data/") || strings.Contains(s.URL, "data//") {
			t.Errorf("kind %s: URL = %q", s.Kind, s.URL)
		}
	}
	if sources[0].URL != "https://cdn.example.com/data/plants.json" {
		t.Errorf("first URL = %q", sources[0].URL)
	}
}

func TestParseSources_Valid(t *testing.T) {
	data := []byte(`
sources:
  - kind: posts
    url: https://blog.example.com/feed.xml
    format: rss
  - kind: tools
    path: ./tools.json
`)
	sources, err := ParseSources(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
	if sources[0].Format != FormatRSS || sources[0].URL != "https://blog.example.com/feed.xml" {
		t.Errorf("sources[0] = %+v", sources[0])
	}
	if sources[1].Format != FormatJSON {
		t.Errorf("format should default to json: %+v", sources[1])
	}
}

func TestParseSources_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"yaml syntax", "sources: [", "failed to parse"},
		{"missing kind", "sources:\n  - path: a.json\n", "kind is required"},
		{"both url and path", "sources:\n  - kind: a\n    url: http://x\n    path: a.json\n", "exactly one"},
		{"neither url nor path", "sources:\n  - kind: a\n", "exactly one"},
		{"unknown format", "sources:\n  - kind: a\n    path: a.csv\n    format: csv\n", "unsupported format"},
		{"duplicate kind", "sources:\n  - kind: a\n    path: a.json\n  - kind: a\n    path: b.json\n", "duplicate kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSources([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want contains %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadSourcesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  - kind: plants\n    path: plants.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := ReadSourcesFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 1 || sources[0].Kind != "plants" {
		t.Errorf("sources = %+v", sources)
	}

	if _, err := ReadSourcesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeSources(t *testing.T) {
	base := []Source{
		{Kind: "plants", Path: "plants.json", Format: FormatJSON},
		{Kind: "posts", Path: "posts.json", Format: FormatJSON},
	}
	overrides := []Source{
		{Kind: "posts", URL: "https://blog.example.com/feed.xml", Format: FormatRSS},
		{Kind: "seeds", Path: "seeds.json", Format: FormatJSON},
	}

	merged := MergeSources(base, overrides)

	if len(merged) != 3 {
		t.Fatalf("merged = %d, want 3", len(merged))
	}
	if merged[1].Format != FormatRSS {
		t.Errorf("posts should be overridden: %+v", merged[1])
	}
	if merged[2].Kind != "seeds" {
		t.Errorf("new kind should be appended: %+v", merged[2])
	}
	if base[1].Format != FormatJSON {
		t.Error("base must not be modified")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FetchResult
	}{
		{200, FetchResultOK},
		{304, FetchResultNotModified},
		{404, FetchResultPermanent},
		{410, FetchResultPermanent},
		{401, FetchResultPermanent},
		{403, FetchResultPermanent},
		{429, FetchResultBackoff},
		{500, FetchResultBackoff},
		{503, FetchResultBackoff},
		{302, FetchResultUnknown},
		{418, FetchResultUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{20, 30 * time.Minute},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

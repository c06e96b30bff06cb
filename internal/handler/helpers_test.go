package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/middleware"
)

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withDeviceID はテスト用にリクエストコンテキストにデバイスIDを注入するヘルパー。
func withDeviceID(r *http.Request, deviceID string) *http.Request {
	ctx := middleware.ContextWithDeviceID(r.Context(), deviceID)
	return r.WithContext(ctx)
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
// key, value の順に交互に指定する。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeJSON はレスポンスボディをvにデコードするヘルパー。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%s)", err, w.Body.String())
	}
}

// --- モック定義 ---

// stubCatalogSource は種類ごとの固定エントリを返すCatalogSourceのモック実装。
type stubCatalogSource struct {
	entries map[string][]catalog.Entry
}

func (s *stubCatalogSource) Entries(ctx context.Context, kinds ...string) []catalog.Entry {
	out := []catalog.Entry{}
	for _, k := range kinds {
		out = append(out, s.entries[k]...)
	}
	return out
}

// newTestCatalog はテスト用の商品・記事を持つCatalogSourceを返す。
func newTestCatalog() *stubCatalogSource {
	return &stubCatalogSource{
		entries: map[string][]catalog.Entry{
			catalog.KindPlants: {
				{ID: "1", Kind: catalog.KindPlants, Name: "Monstera", Category: "Indoor", Price: 25, Rating: 4.5},
				{ID: "2", Kind: catalog.KindPlants, Name: "Aloe Vera", Category: "Succulent", Price: 12, Rating: 4.8},
				{ID: "3", Kind: catalog.KindPlants, Name: "Fiddle Leaf Fig", Category: "Indoor", Price: 40},
			},
			catalog.KindTools: {
				{ID: "t1", Kind: catalog.KindTools, Name: "Pruning Shears", Category: "Tools", Price: 18.5, Rating: 4.2},
			},
			catalog.KindPosts: {
				{ID: "p1", Kind: catalog.KindPosts, Title: "Watering 101", Category: "Care", Date: "2024-03-01"},
				{ID: "p2", Kind: catalog.KindPosts, Title: "Repotting Guide", Category: "Care", Date: "2024-05-10"},
				{ID: "p3", Kind: catalog.KindPosts, Title: "Spring Planting", Date: "2024-04-02"},
			},
		},
	}
}

// newCollidingCatalog は種類をまたいで同じIDを持つ商品のCatalogSourceを返す。
// IDはフィードの種類ごとにしか一意でない。
func newCollidingCatalog() *stubCatalogSource {
	return &stubCatalogSource{
		entries: map[string][]catalog.Entry{
			catalog.KindPlants: {
				{ID: "1", Kind: catalog.KindPlants, Name: "Monstera", Category: "Garden", Price: 25},
			},
			catalog.KindTools: {
				{ID: "1", Kind: catalog.KindTools, Name: "Trowel", Category: "Garden", Price: 8},
			},
			catalog.KindFertilizers: {
				{ID: "2", Kind: catalog.KindFertilizers, Name: "Compost", Category: "Soil", Price: 10},
			},
		},
	}
}

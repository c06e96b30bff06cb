package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/trigardening/internal/cart"
	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/middleware"
	"github.com/hitoshi/trigardening/internal/model"
)

const (
	// sseHeartbeatInterval はカート変更ストリームの死活確認コメントの送信間隔。
	sseHeartbeatInterval = 30 * time.Second
	// sseBufferSize は通知待ちのカートスナップショットの最大数。
	sseBufferSize = 16
)

// CartRegistry はカートハンドラーが必要とするデバイス別カートの取得インターフェース。
// cart.Registryが実装する。
type CartRegistry interface {
	Get(ctx context.Context, deviceID string) *cart.Store
}

// CartHandler はカート操作のHTTPハンドラー。
type CartHandler struct {
	carts  CartRegistry
	source CatalogSource
	views  map[string]catalog.ViewConfig
	kinds  []string
	logger *slog.Logger

	heartbeat time.Duration
}

// NewCartHandler はCartHandlerを生成する。viewsがnilの場合は標準のビュー設定を使う。
func NewCartHandler(carts CartRegistry, source CatalogSource, views map[string]catalog.ViewConfig, logger *slog.Logger) *CartHandler {
	if views == nil {
		views = catalog.DefaultViews()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CartHandler{
		carts:     carts,
		source:    source,
		views:     views,
		kinds:     allKinds(views),
		logger:    logger,
		heartbeat: sseHeartbeatInterval,
	}
}

// addItemRequest はカート追加リクエストのボディ。
// viewを省略した場合は全ビューの種類からIDを検索する。
// IDは種類ごとにしか一意でないため、複数の種類に同じIDがある場合はkindが必要になる。
type addItemRequest struct {
	View string `json:"view"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// updateQuantityRequest は数量変更リクエストのボディ。
type updateQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

// Get は現在のカートを返す。
// GET /api/cart
func (h *CartHandler) Get(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

// AddItem はカタログエントリをカートに追加する。
// POST /api/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	// 1. リクエストボディのパース
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCartRequestError("id is required"))
		return
	}

	// 2. 追加対象のエントリを解決
	kinds := h.kinds
	if req.View != "" {
		view, found := h.views[req.View]
		if !found {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewUnknownViewError(req.View))
			return
		}
		kinds = view.Kinds
	}
	entry, err := catalog.FindEntry(h.source.Entries(r.Context(), kinds...), req.Kind, req.ID)
	if err != nil {
		writeEntryLookupError(w, err, req.ID)
		return
	}

	// 3. カートに追加
	writeJSON(w, http.StatusOK, store.AddItem(r.Context(), entry))
}

// UpdateQuantity は明細の数量を変更する。1未満の数量は1として扱う。
// PUT /api/cart/items/{id}?kind=
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var req updateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCartRequestError("quantity is required"))
		return
	}

	writeJSON(w, http.StatusOK, store.UpdateQuantity(r.Context(), itemRef(r), *req.Quantity))
}

// RemoveItem は明細を削除する。存在しないIDは何もしない。
// DELETE /api/cart/items/{id}?kind=
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, store.RemoveItem(r.Context(), itemRef(r)))
}

// Clear はカートを空にする。
// DELETE /api/cart
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, store.Clear(r.Context()))
}

// Events はカートの変更をServer-Sent Eventsで配信する。
// 接続直後に現在のカートを1回送信し、以降は変更のたびに送信する。
// GET /api/cart/events
func (h *CartHandler) Events(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)

	// 1. 購読登録（バッファが満杯の場合は新しい通知を捨てる）
	updates := make(chan cart.Cart, sseBufferSize)
	unsubscribe := store.Subscribe(func(c cart.Cart) {
		select {
		case updates <- c:
		default:
			h.logger.Warn("カート変更通知のバッファが溢れました")
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// 2. 現在のカートを送信
	if err := writeCartEvent(w, rc, store.Snapshot()); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	// 3. 変更を配信
	for {
		select {
		case <-r.Context().Done():
			return
		case c := <-updates:
			if err := writeCartEvent(w, rc, c); err != nil {
				h.logger.Debug("カート変更ストリームを終了します", slog.String("error", err.Error()))
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// store はリクエストのデバイスIDに対応するカートを返す。
func (h *CartHandler) store(w http.ResponseWriter, r *http.Request) (*cart.Store, bool) {
	deviceID, ok := middleware.DeviceIDFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCartRequestError("device id is missing"))
		return nil, false
	}
	return h.carts.Get(r.Context(), deviceID), true
}

// itemRef はURLのIDとkindクエリから明細の参照を組み立てる。
// kindがない場合はIDのみの参照になり、カート内で一意なときだけ一致する。
func itemRef(r *http.Request) string {
	return cart.ItemKey(r.URL.Query().Get("kind"), chi.URLParam(r, "id"))
}

func writeCartEvent(w http.ResponseWriter, rc *http.ResponseController, c cart.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: cart\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// allKinds は全ビューの種類を重複なく返す。ビュー名の昇順で決定的に並べる。
func allKinds(views map[string]catalog.ViewConfig) []string {
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var kinds []string
	for _, name := range names {
		for _, k := range views[name].Kinds {
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

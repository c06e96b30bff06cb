// Package cart はデバイス単位のショッピングカートを提供する。
// カートの内容はコマンド経由でのみ変更され、変更のたびに全体を永続化し、購読者に新しい合計を通知する。
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/trigardening/internal/catalog"
)

// ErrPersistenceWriteFailed はカートの保存に失敗した場合のエラー。
// メモリ上のカートが正であり、呼び出し側には返さない。
var ErrPersistenceWriteFailed = errors.New("cart persistence write failed")

// ErrPersistenceReadCorrupt は保存済みカートを解釈できなかった場合のエラー。
// 空のカートで置き換えて復旧する。
var ErrPersistenceReadCorrupt = errors.New("cart persistence data corrupt")

// LineItem はカート内の1商品。追加時点のカタログエントリのスナップショットを保持する。
type LineItem struct {
	ID        string  `json:"id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Name      string  `json:"name,omitempty"`
	Image     string  `json:"image,omitempty"`
	Category  string  `json:"category,omitempty"`
	Kind      string  `json:"kind,omitempty"`
}

// ItemKey は明細の識別キーを返す。IDはフィードの種類ごとにしか一意でないため、種類があれば "kind:id" とする。
func ItemKey(kind, id string) string {
	if kind == "" {
		return id
	}
	return kind + ":" + id
}

// Key は明細の識別キーを返す。
func (it LineItem) Key() string {
	return ItemKey(it.Kind, it.ID)
}

// Totals はカートの集計値。明細から毎回計算し、独立して保持しない。
type Totals struct {
	TotalItems int     `json:"totalItems"`
	TotalPrice float64 `json:"totalPrice"`
}

// Cart はカートの明細と合計のスナップショット。
type Cart struct {
	Items []LineItem `json:"items"`
	Totals
}

// Listener はカート変更後に呼び出されるコールバック。
type Listener func(Cart)

// Storage はカートの保存先を抽象化するインターフェース。
type Storage interface {
	// Load は指定キーの保存内容を返す。未保存の場合はnilを返す。
	Load(ctx context.Context, key string) ([]byte, error)
	// Save は指定キーの保存内容を全体で上書きする。
	Save(ctx context.Context, key string, data []byte) error
}

// Store は1デバイス分のカートの唯一の状態保持者。
// コマンドは受け付けた順に1つずつ適用され、各コマンドの保存は次のコマンドより前に完了する。
type Store struct {
	mu      sync.Mutex
	key     string
	storage Storage
	logger  *slog.Logger
	items   []LineItem

	// notifyMu はコマンドの適用順と通知順を一致させる。
	notifyMu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	onPersistError func(key string, err error)
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithPersistErrorHandler は保存失敗・読み込み失敗時に呼ばれるハンドラを設定する。
// メトリクス計上に使う。
func WithPersistErrorHandler(fn func(key string, err error)) Option {
	return func(s *Store) {
		s.onPersistError = fn
	}
}

// Open は保存済みカートを読み込んだStoreを生成する。
// 保存内容が存在しない・解釈できない場合は空のカートで開始する。読み込み失敗はエラーにしない。
func Open(ctx context.Context, storage Storage, key string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		key:       key,
		storage:   storage,
		logger:    logger,
		items:     []LineItem{},
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := storage.Load(ctx, key)
	if err != nil {
		s.reportPersistError(fmt.Errorf("%w: %w", ErrPersistenceReadCorrupt, err))
		return s
	}
	if data == nil {
		return s
	}

	items, err := Decode(data)
	if err != nil {
		s.reportPersistError(err)
		return s
	}
	s.items = items
	return s
}

// Key はカートの保存キーを返す。
func (s *Store) Key() string {
	return s.key
}

// AddItem はエントリをカートに追加する。
// 同じ種類・IDの明細があれば数量を1増やし、なければ数量1のスナップショットを末尾に追加する。
// IDのないエントリは追加せず、保存も通知もしない。
func (s *Store) AddItem(ctx context.Context, entry catalog.Entry) Cart {
	if entry.ID == "" {
		return s.Snapshot()
	}
	key := ItemKey(entry.Kind, entry.ID)
	return s.apply(ctx, func(items []LineItem) []LineItem {
		if i := indexOfKey(items, key); i >= 0 {
			items[i].Quantity++
			return items
		}
		return append(items, snapshot(entry))
	})
}

// RemoveItem は参照に一致する明細を削除する。存在しない場合は何もしない。
// refは明細キー（ItemKey）またはIDで、IDのみの場合は一致する明細が1件のときだけ対象になる。
func (s *Store) RemoveItem(ctx context.Context, ref string) Cart {
	return s.apply(ctx, func(items []LineItem) []LineItem {
		if i := lookup(items, ref); i >= 0 {
			return append(items[:i], items[i+1:]...)
		}
		return items
	})
}

// UpdateQuantity は参照に一致する明細の数量を設定する。refの扱いはRemoveItemと同じ。
// 1未満の数量は1に丸める。明細が存在しない場合は何もしない。
func (s *Store) UpdateQuantity(ctx context.Context, ref string, quantity int) Cart {
	return s.apply(ctx, func(items []LineItem) []LineItem {
		if i := lookup(items, ref); i >= 0 {
			items[i].Quantity = max(quantity, 1)
		}
		return items
	})
}

// Clear はすべての明細を削除する。
func (s *Store) Clear(ctx context.Context) Cart {
	return s.apply(ctx, func([]LineItem) []LineItem {
		return []LineItem{}
	})
}

// Items は明細のコピーを追加順で返す。
func (s *Store) Items() []LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

// Totals は現在の明細から合計を計算して返す。
func (s *Store) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeTotals(s.items)
}

// Snapshot は明細と合計をまとめて返す。
func (s *Store) Snapshot() Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.items)
}

// Subscribe はカート変更後に呼ばれるリスナーを登録し、登録解除関数を返す。
// リスナー内からStoreのコマンドを呼び出してはならない。
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// ListenerCount は登録中のリスナー数を返す。
func (s *Store) ListenerCount() int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	return len(s.listeners)
}

// apply は変更を適用し、保存してから購読者に通知する。
func (s *Store) apply(ctx context.Context, mutate func([]LineItem) []LineItem) Cart {
	s.mu.Lock()

	// 1. 状態を変更
	s.items = mutate(s.items)
	cart := snapshotOf(s.items)

	// 2. 全体を保存（失敗してもメモリ上のカートを正とする）
	s.persist(ctx, cart.Items)

	// 3. 通知順を確定させてからロックを解放
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	// 4. 購読者に通知
	s.notify(cart)
	return cart
}

func (s *Store) persist(ctx context.Context, items []LineItem) {
	data, err := Encode(items)
	if err != nil {
		s.reportPersistError(fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err))
		return
	}
	if err := s.storage.Save(ctx, s.key, data); err != nil {
		s.reportPersistError(fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err))
	}
}

func (s *Store) notify(cart Cart) {
	s.listenersMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(Cart{Items: cloneItems(cart.Items), Totals: cart.Totals})
	}
}

func (s *Store) reportPersistError(err error) {
	s.logger.Warn("cart persistence failed",
		slog.String("key", s.key),
		slog.String("error", err.Error()),
	)
	if s.onPersistError != nil {
		s.onPersistError(s.key, err)
	}
}

// Encode は明細をJSON配列にシリアライズする。空のカートは "[]" になる。
func Encode(items []LineItem) ([]byte, error) {
	if items == nil {
		items = []LineItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart: %w", err)
	}
	return data, nil
}

// Decode は保存済みのJSON配列から明細を復元する。
// IDのない明細は捨て、数量は1以上・単価は0以上の有限値に補正し、重複キーは数量を合算する。
func Decode(data []byte) ([]LineItem, error) {
	var raw []LineItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceReadCorrupt, err)
	}

	items := make([]LineItem, 0, len(raw))
	for _, it := range raw {
		if it.ID == "" {
			continue
		}
		it.Quantity = max(it.Quantity, 1)
		it.UnitPrice = max(catalog.Finite(it.UnitPrice), 0)
		if i := indexOfKey(items, it.Key()); i >= 0 {
			items[i].Quantity += it.Quantity
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func snapshot(entry catalog.Entry) LineItem {
	return LineItem{
		ID:        entry.ID,
		Quantity:  1,
		UnitPrice: max(catalog.Finite(entry.Price), 0),
		Name:      entry.DisplayName(),
		Image:     entry.DisplayImage(),
		Category:  entry.Category,
		Kind:      entry.Kind,
	}
}

func indexOfKey(items []LineItem, key string) int {
	for i := range items {
		if items[i].Key() == key {
			return i
		}
	}
	return -1
}

// lookup はrefに一致する明細の位置を返す。キーの完全一致を優先し、
// IDのみの一致は1件に絞れる場合だけ採用する。
func lookup(items []LineItem, ref string) int {
	if i := indexOfKey(items, ref); i >= 0 {
		return i
	}
	match, n := -1, 0
	for i := range items {
		if items[i].ID == ref {
			match, n = i, n+1
		}
	}
	if n != 1 {
		return -1
	}
	return match
}

func computeTotals(items []LineItem) Totals {
	var t Totals
	for _, it := range items {
		t.TotalItems += it.Quantity
		t.TotalPrice += float64(it.Quantity) * it.UnitPrice
	}
	return t
}

func snapshotOf(items []LineItem) Cart {
	return Cart{Items: cloneItems(items), Totals: computeTotals(items)}
}

func cloneItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

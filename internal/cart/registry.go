package cart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DeviceListener はレジストリ配下の全カートの変更を受け取るコールバック。
type DeviceListener func(deviceID string, cart Cart)

// Registry はデバイスIDごとのStoreを保持する。
// Storeは初回アクセス時に保存先から読み込み、プロセス内で1デバイスにつき1つだけ存在する。
type Registry struct {
	storage Storage
	logger  *slog.Logger
	opts    []Option

	// opening は同じデバイスの同時初回アクセスで保存先の読み込みを1回にまとめる。
	opening singleflight.Group

	mu        sync.Mutex
	stores    map[string]*registryEntry
	listeners []DeviceListener
	now       func() time.Time
}

type registryEntry struct {
	store    *Store
	lastUsed time.Time
}

// NewRegistry はRegistryを生成する。optsは生成される全Storeに適用される。
func NewRegistry(storage Storage, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		storage: storage,
		logger:  logger,
		opts:    opts,
		stores:  make(map[string]*registryEntry),
		now:     time.Now,
	}
}

// Subscribe は全デバイスのカート変更を受け取るリスナーを登録する。
// 登録後に開かれるStoreにも適用される。
func (r *Registry) Subscribe(fn DeviceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Get はデバイスのStoreを返す。未オープンの場合は保存先から読み込んで生成する。
// 読み込みはレジストリのロック外で行い、他デバイスのアクセスを待たせない。
func (r *Registry) Get(ctx context.Context, deviceID string) *Store {
	if store, ok := r.lookup(deviceID); ok {
		return store
	}

	v, _, _ := r.opening.Do(deviceID, func() (any, error) {
		if store, ok := r.lookup(deviceID); ok {
			return store, nil
		}

		// 読み込み結果は待機中の全呼び出しで共有するため、最初の呼び出し元のキャンセルを引き継がない
		store := Open(context.WithoutCancel(ctx), r.storage, SlotKey(deviceID), r.logger.With(slog.String("device_id", deviceID)), r.opts...)
		store.Subscribe(func(c Cart) {
			r.dispatch(deviceID, c)
		})

		r.mu.Lock()
		defer r.mu.Unlock()
		r.stores[deviceID] = &registryEntry{store: store, lastUsed: r.now()}
		return store, nil
	})
	return v.(*Store)
}

// lookup はオープン済みのStoreを返し、最終アクセス時刻を更新する。
func (r *Registry) lookup(deviceID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.stores[deviceID]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.now()
	return e.store, true
}

func (r *Registry) dispatch(deviceID string, c Cart) {
	r.mu.Lock()
	listeners := make([]DeviceListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(deviceID, c)
	}
}

// Len はオープン中のStore数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// EvictIdle は最終アクセスからidle以上経過し、個別の購読者がいないStoreを解放する。
// 解放したStoreは次回アクセス時に保存先から読み込み直される。解放数を返す。
func (r *Registry) EvictIdle(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	evicted := 0
	for id, e := range r.stores {
		// レジストリ自身の購読分の1件を除いて購読者がいる場合はSSE接続中とみなす
		if e.lastUsed.After(cutoff) || e.store.ListenerCount() > 1 {
			continue
		}
		delete(r.stores, id)
		evicted++
	}
	if evicted > 0 {
		r.logger.Info("evicted idle carts",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(r.stores)),
		)
	}
	return evicted
}

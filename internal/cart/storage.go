package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix はカート保存キーの接頭辞。
const KeyPrefix = "cart:"

// SlotKey はデバイスIDからカートの保存キーを組み立てる。1デバイスにつき1枠。
func SlotKey(deviceID string) string {
	return KeyPrefix + deviceID
}

// MemoryStorage はプロセス内メモリにカートを保存するStorage。
// テストと CART_STORAGE=memory で使用する。
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

// Load は指定キーの保存内容のコピーを返す。
func (m *MemoryStorage) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save は指定キーの保存内容を上書きする。
func (m *MemoryStorage) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// RedisClient はRedisStorageが使うgo-redisのコマンドのサブセット。
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStorage はRedisにカートを保存するStorage。
// カートは明示的に空にされるまで保持するため有効期限は設定しない。
type RedisStorage struct {
	client RedisClient
}

// NewRedisStorage はRedisStorageを生成する。
func NewRedisStorage(client RedisClient) *RedisStorage {
	return &RedisStorage{client: client}
}

// Load は指定キーの保存内容を返す。キーが存在しない場合はnilを返す。
func (r *RedisStorage) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Save は指定キーの保存内容を上書きする。
func (r *RedisStorage) Save(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// SlotRepository はPostgreSQLのcart_slotsテーブルへの読み書きインターフェース。
type SlotRepository interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, updatedAt time.Time) error
}

// PostgresStorage はPostgreSQLにカートを保存するStorage。
type PostgresStorage struct {
	repo SlotRepository
	now  func() time.Time
}

// NewPostgresStorage はPostgresStorageを生成する。
func NewPostgresStorage(repo SlotRepository) *PostgresStorage {
	return &PostgresStorage{repo: repo, now: time.Now}
}

// Load は指定キーの保存内容を返す。
func (p *PostgresStorage) Load(ctx context.Context, key string) ([]byte, error) {
	return p.repo.Load(ctx, key)
}

// Save は指定キーの保存内容を更新日時とともに上書きする。
func (p *PostgresStorage) Save(ctx context.Context, key string, data []byte) error {
	return p.repo.Save(ctx, key, data, p.now())
}

// compile-time interface check
var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*PostgresStorage)(nil)
)

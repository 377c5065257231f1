// Package kvstore は段階的フォールバック付きのキーバリューストアを提供します。
//
// バックエンドは起動時に優先順で1つ選択されます:
//  1. 設定されたRedis（PINGで確認）
//  2. localhost:6379 のRedis
//  3. 組み込みRedisサーバー（miniredis、開発モードのみ）
//  4. プロセス内メモリ（タイマーでTTLを実現する最終手段）
//
// どのバックエンドが選ばれても呼び出し側のコードは変わりません。
// バックグラウンドの監視ゴルーチンが外部Redisの死活を確認し、
// 切断時はメモリへ退避、復旧時は自動で外部Redisへ戻します。
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Backend はアクティブなバックエンドの種別です。
type Backend string

const (
	BackendRedis    Backend = "redis"    // 外部Redis（設定URL or localhost）
	BackendEmbedded Backend = "embedded" // 組み込みminiredis
	BackendMemory   Backend = "memory"   // プロセス内メモリ
)

const (
	defaultPingTimeout   = 3 * time.Second
	defaultCheckInterval = 30 * time.Second
	defaultRetryInterval = 30 * time.Second
)

// Options は Store の構築オプションです。
type Options struct {
	RedisURL      string        // 設定されたRedis接続URL（空なら第1候補をスキップ）
	AllowEmbedded bool          // 組み込みRedisへのフォールバックを許可するか
	CheckInterval time.Duration // 死活監視の間隔
	RetryInterval time.Duration // 再接続試行の最小間隔
	Logger        *log.Logger
}

// HealthStatus はバックエンドの状態を表します。
type HealthStatus struct {
	Backend       Backend   `json:"backend"`
	Status        string    `json:"status"` // healthy / development / degraded
	Persistent    bool      `json:"persistent"`
	ConnectionURL string    `json:"connectionUrl,omitempty"`
	StoredKeys    int       `json:"storedKeys,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Store は段階的フォールバック付きのキーバリューストアです。
// バックエンドの状態は監視ゴルーチンとリクエスト側から並行に参照されるため、
// すべて mu で保護されます。
type Store struct {
	mu      sync.RWMutex
	backend Backend
	client  *redis.Client        // redis / embedded のとき非nil
	mini    *miniredis.Miniredis // embedded のとき非nil
	memory  *memoryBackend
	// 外部Redis接続断から退避中かどうか。監視ゴルーチンが復旧を試みます。
	demoted     bool
	lastAttempt time.Time
	// バックエンド切り替えの通知用。切り替え時に close して作り直します。
	changed chan struct{}

	opts   Options
	logger *log.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New はフォールバック戦略に従ってバックエンドを選択し、Store を作成します。
// どのバックエンドにも到達できない構成でもメモリで動作するため、失敗しません。
func New(opts Options) *Store {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		backend: BackendMemory,
		memory:  newMemoryBackend(),
		changed: make(chan struct{}),
		opts:    opts,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.selectBackend()

	s.wg.Add(1)
	go s.monitor()
	return s
}

// NewMemory はメモリバックエンド固定の Store を作成します。テスト用途です。
func NewMemory() *Store {
	return &Store{
		backend: BackendMemory,
		memory:  newMemoryBackend(),
		changed: make(chan struct{}),
		opts:    Options{CheckInterval: defaultCheckInterval, RetryInterval: defaultRetryInterval},
		logger:  log.Default(),
		done:    make(chan struct{}),
	}
}

// selectBackend は優先順にバックエンドへの接続を試します。呼び出し側でロック不要です。
func (s *Store) selectBackend() {
	if client, url, ok := s.tryExternal(); ok {
		s.setRedisBackend(client, url)
		return
	}
	if s.opts.AllowEmbedded {
		if mini, client, err := startEmbedded(); err == nil {
			s.mu.Lock()
			s.backend = BackendEmbedded
			s.client = client
			s.mini = mini
			s.notifyChangeLocked()
			s.mu.Unlock()
			s.logger.Printf("kvstore: using embedded redis at %s (development only)", mini.Addr())
			return
		} else {
			s.logger.Printf("kvstore: embedded redis failed to start: %v", err)
		}
	}
	s.logger.Printf("kvstore: no redis available, using in-memory storage (data will not persist)")
}

// tryExternal は設定URL、次いで localhost への接続を試します。
func (s *Store) tryExternal() (*redis.Client, string, bool) {
	candidates := make([]string, 0, 2)
	if s.opts.RedisURL != "" {
		candidates = append(candidates, s.opts.RedisURL)
	}
	candidates = append(candidates, "redis://localhost:6379/0")

	for _, url := range candidates {
		opt, err := redis.ParseURL(url)
		if err != nil {
			s.logger.Printf("kvstore: invalid redis url %q: %v", url, err)
			continue
		}
		opt.DialTimeout = defaultPingTimeout
		client := redis.NewClient(opt)

		ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
		err = client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			continue
		}
		s.logger.Printf("kvstore: connected to redis at %s", opt.Addr)
		return client, url, true
	}
	return nil, "", false
}

func startEmbedded() (*miniredis.Miniredis, *redis.Client, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	return mini, client, nil
}

func (s *Store) setRedisBackend(client *redis.Client, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeClientLocked()
	s.backend = BackendRedis
	s.client = client
	s.demoted = false
	s.opts.RedisURL = url
	s.notifyChangeLocked()
}

// notifyChangeLocked はバックエンド切り替えを購読ゴルーチンへ伝えます。mu 保持が前提です。
func (s *Store) notifyChangeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) closeClientLocked() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	if s.mini != nil {
		s.mini.Close()
		s.mini = nil
	}
}

// monitor は外部Redisの死活を定期確認し、切断時の退避と復旧を行います。
func (s *Store) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

func (s *Store) checkHealth() {
	s.mu.RLock()
	backend := s.backend
	client := s.client
	demoted := s.demoted
	s.mu.RUnlock()

	switch {
	case backend == BackendRedis && client != nil:
		ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			s.logger.Printf("kvstore: redis connection lost: %v", err)
			s.demote()
			s.attemptReconnect()
		}
	case demoted:
		s.attemptReconnect()
	}
}

// demote は外部Redisからメモリへ退避します。以後は監視が復旧を試みます。
func (s *Store) demote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeClientLocked()
	s.backend = BackendMemory
	s.demoted = true
	s.notifyChangeLocked()
	s.logger.Printf("kvstore: switched to in-memory fallback")
}

// attemptReconnect は最小間隔を空けて外部Redisへの再接続を試みます。
// 成功すると呼び出し側の変更なしに外部バックエンドへ戻ります。
func (s *Store) attemptReconnect() {
	s.mu.Lock()
	if time.Since(s.lastAttempt) < s.opts.RetryInterval {
		s.mu.Unlock()
		return
	}
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	if client, url, ok := s.tryExternal(); ok {
		s.setRedisBackend(client, url)
		s.logger.Printf("kvstore: redis reconnection successful")
	}
}

// currentClient は redis クライアントを返します。メモリバックエンド時は nil です。
func (s *Store) currentClient() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// ConnOptions は asynq などRedisを直接使うコンポーネント向けに接続情報を返します。
// メモリバックエンド時は ok=false です。
func (s *Store) ConnOptions() (*redis.Options, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, false
	}
	opt := *s.client.Options()
	return &opt, true
}

// Set はキーに値を保存します。map/slice/struct はJSONに変換して格納します。
// ttl が正の場合、その経過後にキーへアクセスできなくなることを保証します。
// メモリバックエンドもRedisと同じ文字列表現で格納し、読み出し時の値の形が
// バックエンドによって変わらないようにします。
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}

	client := s.currentClient()
	if client == nil {
		s.memory.set(key, stringifyPayload(payload), ttl)
		return nil
	}
	return client.Set(ctx, key, payload, ttl).Err()
}

// Get はキーの値を返します。存在しない場合は (nil, nil) です。
// JSONとして解釈できる値は元の形に復元されます。
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	client := s.currentClient()
	if client == nil {
		value, ok := s.memory.get(key)
		if !ok {
			return nil, nil
		}
		raw, _ := value.(string)
		return decodeValue(raw), nil
	}

	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return decodeValue(raw), nil
}

// Delete はキーを削除し、削除できた数を返します。
func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	client := s.currentClient()
	if client == nil {
		return s.memory.delete(keys...), nil
	}
	n, err := client.Del(ctx, keys...).Result()
	return int(n), err
}

// Exists は存在するキーの数を返します。
func (s *Store) Exists(ctx context.Context, keys ...string) (int, error) {
	client := s.currentClient()
	if client == nil {
		return s.memory.exists(keys...), nil
	}
	n, err := client.Exists(ctx, keys...).Result()
	return int(n), err
}

// Ping はバックエンドへの到達性を返します。メモリバックエンドは常に true です。
func (s *Store) Ping(ctx context.Context) bool {
	client := s.currentClient()
	if client == nil {
		return true
	}
	return client.Ping(ctx).Err() == nil
}

// Health は現在のバックエンドの状態を返します。
// 呼び出し側がバックエンド種別を観測できる唯一の口です。
func (s *Store) Health(ctx context.Context) HealthStatus {
	s.mu.RLock()
	backend := s.backend
	client := s.client
	url := s.opts.RedisURL
	s.mu.RUnlock()

	status := HealthStatus{
		Backend:   backend,
		CheckedAt: time.Now().UTC(),
	}

	switch backend {
	case BackendRedis:
		status.ConnectionURL = url
		if client != nil && client.Ping(ctx).Err() == nil {
			status.Status = "healthy"
			status.Persistent = true
		} else {
			status.Status = "degraded"
		}
	case BackendEmbedded:
		status.Status = "development"
	default:
		status.Status = "degraded"
		status.StoredKeys = s.memory.size()
	}
	return status
}

// Close は監視を止め、タイマーと接続を解放します。
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeClientLocked()
	s.memory.clear()
	return nil
}

// encodeValue はRedisへ書き込める形へ値を変換します。
func encodeValue(value any) (any, error) {
	switch value.(type) {
	case nil, string, []byte, int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return value, nil
	default:
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return payload, nil
	}
}

// stringifyPayload はRedisがキーに保存する文字列表現へ値を揃えます。
// 真偽値の "1" / "0" 表現もRedisクライアントの書き込みに合わせます。
func stringifyPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

// decodeValue はJSON文字列を元の構造へ戻します。JSONでなければ文字列のまま返します。
func decodeValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}

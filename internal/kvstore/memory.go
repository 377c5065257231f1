package kvstore

import (
	"sync"
	"time"
)

// memoryBackend は最終手段のプロセス内ストアです。
// TTLはキーごとのタイマーで実現し、満了時にキーを取り除きます。
type memoryBackend struct {
	mu     sync.Mutex
	data   map[string]any
	timers map[string]*time.Timer
	// ローカル配信用のチャンネル購読者
	subscribers map[string]map[chan string]struct{}
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		data:        make(map[string]any),
		timers:      make(map[string]*time.Timer),
		subscribers: make(map[string]map[chan string]struct{}),
	}
}

func (m *memoryBackend) set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value

	// 前回のTTLタイマーが残っていれば破棄する
	if timer, ok := m.timers[key]; ok {
		timer.Stop()
		delete(m.timers, key)
	}
	if ttl > 0 {
		m.timers[key] = time.AfterFunc(ttl, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.data, key)
			delete(m.timers, key)
		})
	}
}

func (m *memoryBackend) get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	return value, ok
}

func (m *memoryBackend) delete(keys ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			deleted++
		}
		if timer, ok := m.timers[key]; ok {
			timer.Stop()
			delete(m.timers, key)
		}
	}
	return deleted
}

func (m *memoryBackend) exists(keys ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := 0
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			found++
		}
	}
	return found
}

func (m *memoryBackend) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *memoryBackend) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, timer := range m.timers {
		timer.Stop()
		delete(m.timers, key)
	}
	m.data = make(map[string]any)
}

// addSubscriber はローカル配信の購読チャネルを登録します。
func (m *memoryBackend) addSubscriber(channel string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan string, 16)
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[chan string]struct{})
	}
	m.subscribers[channel][ch] = struct{}{}
	return ch
}

func (m *memoryBackend) removeSubscriber(channel string, ch chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[channel]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(m.subscribers, channel)
		}
	}
}

// publish は購読者へメッセージを配ります。受信が詰まっている購読者は飛ばします。
func (m *memoryBackend) publish(channel, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ch := range m.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
}

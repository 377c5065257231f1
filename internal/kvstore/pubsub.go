package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publish はチャンネルへメッセージを配信します。
// Redis系バックエンドではRedisのPub/Subを使い、別プロセスの購読者にも届きます。
// メモリバックエンドではプロセス内の購読者にだけ届きます。
func (s *Store) Publish(ctx context.Context, channel string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	client := s.currentClient()
	if client == nil {
		s.memory.publish(channel, string(payload))
		return nil
	}
	return client.Publish(ctx, channel, payload).Err()
}

// Subscription はチャンネル購読を表します。C からメッセージ本文を受信します。
type Subscription struct {
	c      chan string
	cancel context.CancelFunc
}

// C は受信チャネルを返します。購読終了時に close されます。
func (sub *Subscription) C() <-chan string { return sub.c }

// Close は購読を終了します。
func (sub *Subscription) Close() { sub.cancel() }

// Subscribe はチャンネルの購読を開始します。
// バックエンドが切り替わった場合は新しいバックエンドへ自動で購読し直します。
func (s *Store) Subscribe(channel string) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		c:      make(chan string, 64),
		cancel: cancel,
	}

	go func() {
		defer close(sub.c)
		for {
			if ctx.Err() != nil {
				return
			}

			s.mu.RLock()
			client := s.client
			changed := s.changed
			s.mu.RUnlock()

			if client != nil {
				ps := client.Subscribe(ctx, channel)
				msgs := ps.Channel()
			redisLoop:
				for {
					select {
					case <-ctx.Done():
						_ = ps.Close()
						return
					case <-changed:
						// バックエンドが切り替わったので購読し直す
						_ = ps.Close()
						break redisLoop
					case msg, ok := <-msgs:
						if !ok {
							_ = ps.Close()
							break redisLoop
						}
						sub.deliver(msg.Payload)
					}
				}
				continue
			}

			local := s.memory.addSubscriber(channel)
		memoryLoop:
			for {
				select {
				case <-ctx.Done():
					s.memory.removeSubscriber(channel, local)
					return
				case <-changed:
					s.memory.removeSubscriber(channel, local)
					break memoryLoop
				case payload := <-local:
					sub.deliver(payload)
				}
			}
		}
	}()

	return sub
}

// deliver は受信側が詰まっていてもブロックしないように配信します。
// 配信はベストエフォートで、溢れた分は破棄されます。
func (sub *Subscription) deliver(payload string) {
	select {
	case sub.c <- payload:
	default:
	}
}

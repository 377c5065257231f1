package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client は1本のWebSocketコネクションを表します。
// 書き込みは writeLoop の1ゴルーチンに限定し、他からは sendCh 経由で渡します。
type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	logger *log.Logger

	mu     sync.Mutex
	jobs   map[string]struct{}
	closed bool
}

func newClient(conn *websocket.Conn, logger *log.Logger) *client {
	return &client{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		logger: logger,
		jobs:   make(map[string]struct{}),
	}
}

// send はイベントをJSONにして送信キューへ積みます。
func (c *client) send(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Printf("realtime: failed to encode event: %v", err)
		return
	}
	c.enqueue(payload)
}

// enqueue は送信キューへの追加を試みます。バッファ満杯か切断済みなら false を返します。
// close との競合を防ぐため、チャネルへの送信は mu を保持したまま行います。
// 送信は非ブロッキングなのでロック保持中でも詰まりません。
func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.sendCh <- payload:
		return true
	default:
		return false
	}
}

func (c *client) joined(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobID] = struct{}{}
}

func (c *client) left(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
}

func (c *client) joinedJobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for jobID := range c.jobs {
		out = append(out, jobID)
	}
	return out
}

// close は送信キューを閉じます。sendCh の close は mu の下で行い、
// enqueue の送信と直列化します。
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// writeLoop は送信キューの内容をコネクションへ書き出します。
// 定期的にpingを送り、応答のないコネクションを検出します。
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

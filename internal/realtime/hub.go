package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/kvstore"
)

// transportChannel はkvstore Pub/Sub上でイベントを運ぶチャンネル名です。
const transportChannel = "realtime:events"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 32
)

// SnapshotSource は購読開始時に返す現在状態を提供します。
type SnapshotSource interface {
	Snapshot(ctx context.Context, jobID string) (*jobs.Snapshot, error)
}

// Hub はジョブIDごとの購読者を管理し、イベントを配信します。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	snapshots SnapshotSource
	kv        *kvstore.Store
	upgrader  websocket.Upgrader
	logger    *log.Logger

	pump *kvstore.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewHub は Hub を作成します。Run を呼ぶまでトランスポートからの配信は始まりません。
func NewHub(snapshots SnapshotSource, kv *kvstore.Store, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		rooms:     make(map[string]map[*client]struct{}),
		snapshots: snapshots,
		kv:        kv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// オリジン検証はCORSミドルウェア側の責務とし、ここでは許可する
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run はトランスポートの購読を開始します。
func (h *Hub) Run() {
	h.pump = h.kv.Subscribe(transportChannel)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.done:
				return
			case payload, ok := <-h.pump.C():
				if !ok {
					return
				}
				h.route(payload)
			}
		}
	}()
}

// Shutdown は配信を停止し、全コネクションを閉じます。
func (h *Hub) Shutdown() {
	close(h.done)
	if h.pump != nil {
		h.pump.Close()
	}
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for c := range room {
			c.close()
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
}

// route はトランスポートから受けたイベントを該当ジョブの購読者へ流します。
func (h *Hub) route(payload string) {
	var envelope struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.JobID == "" {
		h.logger.Printf("realtime: dropped malformed event: %v", err)
		return
	}
	h.broadcast(envelope.JobID, []byte(payload))
}

// broadcast はジョブの購読者全員へ配信します。
// 個々のコネクションへの送信失敗は記録するだけで、他の配信には影響しません。
func (h *Hub) broadcast(jobID string, payload []byte) {
	h.mu.RLock()
	room := h.rooms[jobID]
	clients := make([]*client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(payload) {
			h.logger.Printf("realtime: send buffer full, dropped event for job %s", jobID)
		}
	}
}

// publish はイベントをトランスポートへ発行します。失敗しても呼び出し元へは返しません。
func (h *Hub) publish(event any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.kv.Publish(ctx, transportChannel, event); err != nil {
		h.logger.Printf("realtime: failed to publish event: %v", err)
	}
}

// PublishStatus はジョブ状態の更新を配信します。ベストエフォートです。
func (h *Hub) PublishStatus(snapshot *jobs.Snapshot) {
	h.publish(NewStatusUpdate(snapshot))
}

// PublishQueuePosition はキュー待ち位置の更新を配信します。
func (h *Hub) PublishQueuePosition(jobID string, position int, estimatedWaitSeconds int) {
	h.publish(QueuePositionUpdate{
		Event:                EventQueuePosition,
		JobID:                jobID,
		QueuePosition:        position,
		EstimatedWaitSeconds: estimatedWaitSeconds,
	})
}

// PublishProcessingError は処理エラーを配信します。
func (h *Hub) PublishProcessingError(jobID string, message string, suggestedActions []string) {
	if suggestedActions == nil {
		suggestedActions = []string{}
	}
	h.publish(ProcessingError{
		Event:            EventProcessingError,
		JobID:            jobID,
		ErrorMessage:     message,
		SuggestedActions: suggestedActions,
	})
}

// subscribe はコネクションをジョブのチャンネルへ参加させ、現在状態を即時送信します。
func (h *Hub) subscribe(c *client, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := h.snapshots.Snapshot(ctx, jobID)
	if err != nil {
		c.send(errorEvent{Event: EventError, Message: "job status is currently unavailable"})
		return
	}
	if snapshot == nil {
		c.send(errorEvent{Event: EventError, Message: "job not found"})
		return
	}

	h.mu.Lock()
	if h.rooms[jobID] == nil {
		h.rooms[jobID] = make(map[*client]struct{})
	}
	h.rooms[jobID][c] = struct{}{}
	h.mu.Unlock()
	c.joined(jobID)

	c.send(ackEvent{Event: EventSubscribed, JobID: jobID})
	c.send(NewStatusUpdate(snapshot))
}

// unsubscribe はコネクションをジョブのチャンネルから外します。
func (h *Hub) unsubscribe(c *client, jobID string) {
	h.detach(c, jobID)
	c.left(jobID)
	c.send(ackEvent{Event: EventUnsubscribed, JobID: jobID})
}

func (h *Hub) detach(c *client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[jobID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, jobID)
		}
	}
}

// dropClient は切断されたコネクションを全チャンネルから外します。
func (h *Hub) dropClient(c *client) {
	for _, jobID := range c.joinedJobs() {
		h.detach(c, jobID)
	}
	c.close()
}

// HandleWS は GET /ws のハンドラーです。
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("realtime: websocket upgrade failed: %v", err)
		return
	}

	cl := newClient(conn, h.logger)
	go cl.writeLoop()
	go h.readLoop(cl)
}

// clientMessage はクライアントからの購読要求です。
type clientMessage struct {
	Action string `json:"action"` // subscribe / unsubscribe
	JobID  string `json:"jobId"`
}

func (h *Hub) readLoop(c *client) {
	defer h.dropClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send(errorEvent{Event: EventError, Message: "invalid message format"})
			continue
		}
		if msg.JobID == "" {
			c.send(errorEvent{Event: EventError, Message: "jobId is required"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			h.subscribe(c, msg.JobID)
		case "unsubscribe":
			h.unsubscribe(c, msg.JobID)
		default:
			c.send(errorEvent{Event: EventError, Message: "unknown action: " + msg.Action})
		}
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/kvstore"
)

// stubSnapshots は既知のジョブIDにだけスナップショットを返します。
type stubSnapshots struct {
	known map[string]*jobs.Snapshot
	fail  bool
}

func (s *stubSnapshots) Snapshot(_ context.Context, jobID string) (*jobs.Snapshot, error) {
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	return s.known[jobID], nil
}

func newTestHub(t *testing.T, snapshots SnapshotSource) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kv := kvstore.NewMemory()
	t.Cleanup(func() { kv.Close() })

	hub := NewHub(snapshots, kv, nil)
	hub.Run()
	t.Cleanup(hub.Shutdown)
	// トランスポート購読の開始を待つ
	time.Sleep(50 * time.Millisecond)

	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return hub, server
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent は次のイベントを読み、event フィールドと生データを返します。
func readEvent(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("invalid message %q: %v", raw, err)
	}
	event, _ := payload["event"].(string)
	return event, payload
}

func subscribe(t *testing.T, conn *websocket.Conn, jobID string) {
	t.Helper()
	msg := map[string]string{"action": "subscribe", "jobId": jobID}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
}

func TestSubscribeReturnsAckAndSnapshot(t *testing.T) {
	snapshots := &stubSnapshots{known: map[string]*jobs.Snapshot{
		"job-a": {JobID: "job-a", Status: jobs.StatusProcessing, Progress: 42},
	}}
	_, server := newTestHub(t, snapshots)
	conn := dialWS(t, server)

	subscribe(t, conn, "job-a")

	event, _ := readEvent(t, conn)
	if event != EventSubscribed {
		t.Fatalf("expected subscribed ack, got %s", event)
	}

	event, payload := readEvent(t, conn)
	if event != EventStatusUpdate {
		t.Fatalf("expected status update, got %s", event)
	}
	if payload["jobId"] != "job-a" {
		t.Errorf("unexpected jobId: %v", payload["jobId"])
	}
	if payload["progress"] != float64(42) {
		t.Errorf("unexpected progress: %v", payload["progress"])
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	snapshots := &stubSnapshots{known: map[string]*jobs.Snapshot{}}
	_, server := newTestHub(t, snapshots)
	conn := dialWS(t, server)

	subscribe(t, conn, "missing")

	event, payload := readEvent(t, conn)
	if event != EventError {
		t.Fatalf("expected error event, got %s", event)
	}
	if payload["message"] != "job not found" {
		t.Errorf("unexpected message: %v", payload["message"])
	}
}

func TestSubscribeWhenStoreUnavailable(t *testing.T) {
	snapshots := &stubSnapshots{fail: true}
	_, server := newTestHub(t, snapshots)
	conn := dialWS(t, server)

	subscribe(t, conn, "job-a")

	event, payload := readEvent(t, conn)
	if event != EventError {
		t.Fatalf("expected error event, got %s", event)
	}
	message, _ := payload["message"].(string)
	if !strings.Contains(message, "unavailable") {
		t.Errorf("unexpected message: %q", message)
	}
}

// TestBroadcastIsolatedPerJob はジョブAの購読者にジョブBのイベントが届かないことを確認します。
func TestBroadcastIsolatedPerJob(t *testing.T) {
	snapshots := &stubSnapshots{known: map[string]*jobs.Snapshot{
		"job-a": {JobID: "job-a", Status: jobs.StatusProcessing},
		"job-b": {JobID: "job-b", Status: jobs.StatusProcessing},
	}}
	hub, server := newTestHub(t, snapshots)

	connA := dialWS(t, server)
	connB := dialWS(t, server)

	subscribe(t, connA, "job-a")
	subscribe(t, connB, "job-b")

	// ack + 初期スナップショットを読み捨てる
	for _, conn := range []*websocket.Conn{connA, connB} {
		readEvent(t, conn)
		readEvent(t, conn)
	}

	hub.PublishStatus(&jobs.Snapshot{JobID: "job-a", Status: jobs.StatusCompleted, Progress: 100})

	event, payload := readEvent(t, connA)
	if event != EventStatusUpdate || payload["jobId"] != "job-a" {
		t.Fatalf("expected job-a status update, got %s %v", event, payload)
	}

	// Bには何も届かない
	_ = connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("subscriber of job-b must not receive job-a events")
	}
}

func TestInvalidClientMessage(t *testing.T) {
	snapshots := &stubSnapshots{known: map[string]*jobs.Snapshot{}}
	_, server := newTestHub(t, snapshots)
	conn := dialWS(t, server)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	event, _ := readEvent(t, conn)
	if event != EventError {
		t.Errorf("expected error event, got %s", event)
	}

	if err := conn.WriteJSON(map[string]string{"action": "subscribe"}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	event, payload := readEvent(t, conn)
	if event != EventError {
		t.Errorf("expected error event, got %s", event)
	}
	if payload["message"] != "jobId is required" {
		t.Errorf("unexpected message: %v", payload["message"])
	}
}

// TestUnsubscribeStopsDelivery は購読解除後にイベントが届かないことを確認します。
func TestUnsubscribeStopsDelivery(t *testing.T) {
	snapshots := &stubSnapshots{known: map[string]*jobs.Snapshot{
		"job-a": {JobID: "job-a", Status: jobs.StatusProcessing},
	}}
	hub, server := newTestHub(t, snapshots)
	conn := dialWS(t, server)

	subscribe(t, conn, "job-a")
	readEvent(t, conn) // ack
	readEvent(t, conn) // 初期スナップショット

	if err := conn.WriteJSON(map[string]string{"action": "unsubscribe", "jobId": "job-a"}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	event, _ := readEvent(t, conn)
	if event != EventUnsubscribed {
		t.Fatalf("expected unsubscribed ack, got %s", event)
	}

	hub.PublishStatus(&jobs.Snapshot{JobID: "job-a", Status: jobs.StatusCompleted})

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("unsubscribed connection must not receive events")
	}
}

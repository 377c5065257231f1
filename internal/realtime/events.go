// Package realtime はジョブ単位のリアルタイム通知を提供します。
//
// クライアントはWebSocketで接続し、ジョブIDを指定して購読します。
// 配信はジョブIDごとの論理チャンネルに閉じており、他のジョブの
// イベントが混ざることはありません。チャンネルのトランスポートには
// kvstore のPub/Subを使うため、外部Redisがある構成では別プロセスの
// ワーカーが発行したイベントも届きます。
package realtime

import (
	"time"

	"github.com/yourusername/voice-scribe/internal/jobs"
)

// イベント種別。WebSocketメッセージの event フィールドに入ります。
const (
	EventStatusUpdate    = "job_status_update"
	EventQueuePosition   = "queue_position_update"
	EventProcessingError = "processing_error"
	EventError           = "error"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
)

// StatusUpdate はジョブ状態の更新イベントです。
type StatusUpdate struct {
	Event               string      `json:"event"`
	JobID               string      `json:"jobId"`
	Status              jobs.Status `json:"status"`
	Progress            int         `json:"progress"`
	Phase               string      `json:"phase,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimatedCompletion,omitempty"`
	QueuePosition       *int        `json:"queuePosition,omitempty"`
	CanCancel           bool        `json:"canCancel"`
	ErrorMessage        string      `json:"errorMessage,omitempty"`
}

// NewStatusUpdate は Snapshot から更新イベントを作ります。
func NewStatusUpdate(snapshot *jobs.Snapshot) StatusUpdate {
	return StatusUpdate{
		Event:               EventStatusUpdate,
		JobID:               snapshot.JobID,
		Status:              snapshot.Status,
		Progress:            snapshot.Progress,
		Phase:               snapshot.Phase,
		EstimatedCompletion: snapshot.EstimatedCompletion,
		QueuePosition:       snapshot.QueuePosition,
		CanCancel:           snapshot.CanCancel,
		ErrorMessage:        snapshot.ErrorMessage,
	}
}

// QueuePositionUpdate はキュー待ち位置の更新イベントです。値はベストエフォートです。
type QueuePositionUpdate struct {
	Event                string `json:"event"`
	JobID                string `json:"jobId"`
	QueuePosition        int    `json:"queuePosition"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
}

// ProcessingError は処理エラーの通知イベントです。
type ProcessingError struct {
	Event            string   `json:"event"`
	JobID            string   `json:"jobId"`
	ErrorMessage     string   `json:"errorMessage"`
	SuggestedActions []string `json:"suggestedActions"`
}

// errorEvent は購読操作自体の失敗を該当コネクションにだけ返すイベントです。
type errorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// ackEvent は購読・購読解除の応答です。
type ackEvent struct {
	Event string `json:"event"`
	JobID string `json:"jobId"`
}

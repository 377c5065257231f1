// Package progress は処理時間の見積もりを提供します。
package progress

import (
	"context"
	"time"

	"github.com/yourusername/voice-scribe/internal/jobs"
)

const (
	// 実績が無い場合の線形モデル: 1MBあたり90秒
	fallbackSecondsPerMB = 90
	// 線形モデルの下限と上限（秒）
	fallbackMinSeconds = 30
	fallbackMaxSeconds = 1800
	// 実績平均に乗せるバッファ係数
	historyBuffer = 1.2
)

// HistorySource は処理実績の平均を返すインターフェースです。jobs.Store が実装します。
type HistorySource interface {
	AverageProcessingTime(ctx context.Context, fileSizeMB float64) (float64, bool, error)
}

// Estimator はファイルサイズと処理実績から完了時刻を予測します。
type Estimator struct {
	history HistorySource
}

// NewEstimator は Estimator を作成します。
func NewEstimator(history HistorySource) *Estimator {
	return &Estimator{history: history}
}

// EstimateProcessingTime はファイルサイズ（MB）から処理秒数を見積もります。
// 近いサイズの実績があればその平均に20%のバッファを乗せ、
// なければ線形モデル（90秒/MB、30〜1800秒にクランプ）で概算します。
func (e *Estimator) EstimateProcessingTime(ctx context.Context, fileSizeMB float64) int {
	if e.history != nil {
		avg, ok, err := e.history.AverageProcessingTime(ctx, fileSizeMB)
		if err == nil && ok {
			return int(avg * historyBuffer)
		}
	}

	seconds := int(fileSizeMB * fallbackSecondsPerMB)
	if seconds < fallbackMinSeconds {
		return fallbackMinSeconds
	}
	if seconds > fallbackMaxSeconds {
		return fallbackMaxSeconds
	}
	return seconds
}

// EstimateCompletion はジョブの完了予測時刻を返します。
// ファイルサイズが不明な場合は nil です。
// 処理が始まって進捗が出ていれば経過時間からの外挿を使い、
// そうでなければ開始時刻（未開始なら現在時刻）に見積もり秒数を足します。
func (e *Estimator) EstimateCompletion(ctx context.Context, job *jobs.Job) *time.Time {
	if job == nil || job.FileSize <= 0 {
		return nil
	}

	now := time.Now().UTC()

	if job.StartedAt != nil && job.Progress > 0 {
		elapsed := now.Sub(*job.StartedAt).Seconds()
		ratio := float64(job.Progress) / 100
		remaining := elapsed / ratio * (1 - ratio)
		at := now.Add(time.Duration(remaining * float64(time.Second)))
		return &at
	}

	fileSizeMB := float64(job.FileSize) / (1024 * 1024)
	seconds := e.EstimateProcessingTime(ctx, fileSizeMB)

	start := now
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	at := start.Add(time.Duration(seconds) * time.Second)
	return &at
}

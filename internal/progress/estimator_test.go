package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yourusername/voice-scribe/internal/jobs"
)

type stubHistory struct {
	avg float64
	ok  bool
	err error
}

func (s *stubHistory) AverageProcessingTime(context.Context, float64) (float64, bool, error) {
	return s.avg, s.ok, s.err
}

func TestEstimateProcessingTimeFallback(t *testing.T) {
	estimator := NewEstimator(&stubHistory{})
	ctx := context.Background()

	tests := []struct {
		name       string
		fileSizeMB float64
		want       int
	}{
		{name: "10MB is linear", fileSizeMB: 10, want: 900},
		{name: "tiny file clamps to minimum", fileSizeMB: 0.1, want: 30},
		{name: "huge file clamps to maximum", fileSizeMB: 100, want: 1800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimator.EstimateProcessingTime(ctx, tt.fileSizeMB)
			if got != tt.want {
				t.Errorf("EstimateProcessingTime(%f) = %d, want %d", tt.fileSizeMB, got, tt.want)
			}
		})
	}
}

func TestEstimateProcessingTimeUsesHistory(t *testing.T) {
	// 実績平均100秒 × バッファ1.2 = 120秒
	estimator := NewEstimator(&stubHistory{avg: 100, ok: true})

	got := estimator.EstimateProcessingTime(context.Background(), 10)
	if got != 120 {
		t.Errorf("expected 120, got %d", got)
	}
}

func TestEstimateProcessingTimeHistoryErrorFallsBack(t *testing.T) {
	estimator := NewEstimator(&stubHistory{err: errors.New("db down")})

	got := estimator.EstimateProcessingTime(context.Background(), 10)
	if got != 900 {
		t.Errorf("expected fallback 900, got %d", got)
	}
}

func TestEstimateCompletionNilWithoutSize(t *testing.T) {
	estimator := NewEstimator(&stubHistory{})

	if got := estimator.EstimateCompletion(context.Background(), nil); got != nil {
		t.Errorf("expected nil for nil job, got %v", got)
	}
	if got := estimator.EstimateCompletion(context.Background(), &jobs.Job{}); got != nil {
		t.Errorf("expected nil for job without size, got %v", got)
	}
}

func TestEstimateCompletionBeforeStart(t *testing.T) {
	estimator := NewEstimator(&stubHistory{})
	job := &jobs.Job{FileSize: 10 * 1024 * 1024}

	before := time.Now().UTC()
	got := estimator.EstimateCompletion(context.Background(), job)
	if got == nil {
		t.Fatal("expected estimate")
	}

	// 現在時刻 + 900秒の前後に収まること
	want := before.Add(900 * time.Second)
	if got.Before(want.Add(-5*time.Second)) || got.After(want.Add(5*time.Second)) {
		t.Errorf("expected estimate near %v, got %v", want, got)
	}
}

func TestEstimateCompletionExtrapolatesFromProgress(t *testing.T) {
	estimator := NewEstimator(&stubHistory{})

	// 100秒経過で進捗50% -> 残りはおよそ100秒
	started := time.Now().UTC().Add(-100 * time.Second)
	job := &jobs.Job{
		FileSize:  10 * 1024 * 1024,
		Progress:  50,
		StartedAt: &started,
	}

	got := estimator.EstimateCompletion(context.Background(), job)
	if got == nil {
		t.Fatal("expected estimate")
	}

	want := time.Now().UTC().Add(100 * time.Second)
	if got.Before(want.Add(-5*time.Second)) || got.After(want.Add(5*time.Second)) {
		t.Errorf("expected estimate near %v, got %v", want, got)
	}
}

package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store := NewStore(db, 24*time.Hour)
	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store
}

func createTestJob(t *testing.T, store *Store) *Job {
	t.Helper()

	job := &Job{
		Filename:         "audio.mp3",
		OriginalFilename: "audio.mp3",
		FileSize:         1024,
		FileFormat:       "mp3",
		FilePath:         "/tmp/audio.mp3",
		CanCancel:        true,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func TestCreateAssignsDefaults(t *testing.T) {
	store := newTestStore(t)
	job := createTestJob(t, store)

	if job.JobID == "" {
		t.Error("expected JobID to be assigned")
	}
	if job.Status != StatusUploaded {
		t.Errorf("expected status uploaded, got %s", job.Status)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if !job.ExpiresAt.After(job.CreatedAt) {
		t.Error("expected ExpiresAt after CreatedAt")
	}
}

func TestFindByJobIDNotFound(t *testing.T) {
	store := newTestStore(t)

	job, err := store.FindByJobID(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job, got %+v", job)
	}
}

// TestTransitionTable は状態遷移表の全ペアを検証します。
func TestTransitionTable(t *testing.T) {
	allStatuses := []Status{
		StatusUploaded, StatusQueued, StatusProcessing,
		StatusGeneratingOutput, StatusCompleted, StatusFailed, StatusCancelled,
	}
	allowed := map[Status]map[Status]bool{
		StatusUploaded:         {StatusQueued: true, StatusFailed: true, StatusCancelled: true},
		StatusQueued:           {StatusProcessing: true, StatusFailed: true, StatusCancelled: true},
		StatusProcessing:       {StatusGeneratingOutput: true, StatusFailed: true, StatusCancelled: true},
		StatusGeneratingOutput: {StatusCompleted: true, StatusFailed: true},
		StatusCompleted:        {},
		StatusFailed:           {},
		StatusCancelled:        {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			if got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusNotIdempotent(t *testing.T) {
	// 終端状態から同じ状態への再遷移も拒否される
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if status.CanTransitionTo(status) {
			t.Errorf("expected %s -> %s to be rejected", status, status)
		}
		if !status.IsTerminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
}

func TestTransitionHappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	steps := []Status{StatusQueued, StatusProcessing, StatusGeneratingOutput, StatusCompleted}
	for _, target := range steps {
		updated, err := store.Transition(ctx, job.JobID, target, "")
		if err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("expected status %s, got %s", target, updated.Status)
		}
	}

	final, err := store.FindByJobID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Progress != 100 {
		t.Errorf("expected progress 100 on completion, got %d", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if final.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}
	if final.CanCancel {
		t.Error("expected CanCancel to be false in terminal state")
	}
}

func TestTransitionSetsStartedAtOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	if _, err := store.Transition(ctx, job.JobID, StatusQueued, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := store.Transition(ctx, job.JobID, StatusProcessing, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.StartedAt == nil {
		t.Fatal("expected StartedAt on first processing entry")
	}
}

func TestTransitionInvalidLeavesJobUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	// uploaded -> completed は遷移表にない
	_, err := store.Transition(ctx, job.JobID, StatusCompleted, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	reloaded, err := store.FindByJobID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Status != StatusUploaded {
		t.Errorf("expected status unchanged, got %s", reloaded.Status)
	}
	if reloaded.Version != job.Version {
		t.Errorf("expected version unchanged, got %d", reloaded.Version)
	}
}

func TestTransitionFromTerminalFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	if _, err := store.Transition(ctx, job.JobID, StatusCancelled, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Transition(ctx, job.JobID, StatusQueued, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelledForcesProgressZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	if _, err := store.Transition(ctx, job.JobID, StatusQueued, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Transition(ctx, job.JobID, StatusProcessing, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.UpdateProgress(ctx, job.JobID, 40, "processing_api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, err := store.Transition(ctx, job.JobID, StatusCancelled, "cancelled by user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Progress != 0 {
		t.Errorf("expected progress 0 after cancel, got %d", cancelled.Progress)
	}
	if cancelled.CanCancel {
		t.Error("expected CanCancel false after cancel")
	}
}

func TestTransitionRecordsErrorMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	failed, err := store.Transition(ctx, job.JobID, StatusFailed, "boom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.ErrorMessage != "boom" {
		t.Errorf("expected error message recorded, got %q", failed.ErrorMessage)
	}
}

func TestUpdateProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	tests := []struct {
		name     string
		progress int
		want     int
	}{
		{name: "normal", progress: 30, want: 30},
		{name: "clamped above", progress: 150, want: 100},
		{name: "clamped below", progress: -5, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, err := store.UpdateProgress(ctx, job.JobID, tt.progress, "preprocessing")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if updated.Progress != tt.want {
				t.Errorf("expected progress %d, got %d", tt.want, updated.Progress)
			}
		})
	}
}

func TestUpdateProgressOnTerminalJobIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	if _, err := store.Transition(ctx, job.JobID, StatusCancelled, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := store.UpdateProgress(ctx, job.JobID, 50, "processing_api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Progress != 0 {
		t.Errorf("expected progress to stay 0, got %d", updated.Progress)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("expected status cancelled, got %s", updated.Status)
	}
}

func TestTransitionIncrementsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	updated, err := store.Transition(ctx, job.JobID, StatusQueued, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Version != job.Version+1 {
		t.Errorf("expected version %d, got %d", job.Version+1, updated.Version)
	}
}

func TestQueuePositionFor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := createTestJob(t, store)
	time.Sleep(5 * time.Millisecond)
	second := createTestJob(t, store)

	pos, err := store.QueuePositionFor(ctx, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 1 {
		t.Errorf("expected first job at position 1, got %d", pos)
	}

	pos, err = store.QueuePositionFor(ctx, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 2 {
		t.Errorf("expected second job at position 2, got %d", pos)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTestJob(t, store)
	}
	job := createTestJob(t, store)
	if _, err := store.Transition(ctx, job.JobID, StatusCancelled, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, total, err := store.List(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Errorf("expected 4 jobs, got total=%d len=%d", total, len(all))
	}

	cancelled, total, err := store.List(ctx, 10, 0, StatusCancelled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(cancelled) != 1 {
		t.Errorf("expected 1 cancelled job, got total=%d len=%d", total, len(cancelled))
	}

	if _, _, err := store.List(ctx, 10, 0, Status("bogus")); err == nil {
		t.Error("expected error for unknown status filter")
	}
}

func TestAverageProcessingTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// 10MB前後の実績を3件、大きく外れたサイズを1件
	sizeMB := 10.0
	sizeBytes := int64(sizeMB * 1024 * 1024)
	for _, seconds := range []float64{100, 200, 300} {
		if err := store.AppendHistory(ctx, sizeBytes, seconds); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := store.AppendHistory(ctx, sizeBytes*10, 9999); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	avg, ok, err := store.AverageProcessingTime(ctx, sizeMB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected history to be found")
	}
	if avg != 200 {
		t.Errorf("expected average 200, got %f", avg)
	}

	// 実績のないサイズ帯では ok=false
	_, ok, err = store.AverageProcessingTime(ctx, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no history for unseen size")
	}
}

func TestSaveAndFindResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	result := &Result{
		JobRef:          job.ID,
		TranscriptText:  "こんにちは 世界",
		ConfidenceScore: 0.92,
		WordCount:       2,
	}
	segments := []ResultSegment{
		{SegmentOrder: 1, StartTime: 0, EndTime: 1.5, Text: "こんにちは", Confidence: 0.94, SpeakerTag: "1"},
		{SegmentOrder: 2, StartTime: 1.5, EndTime: 3.0, Text: "世界", Confidence: 0.9, SpeakerTag: "2"},
	}
	if err := store.SaveResult(ctx, result, segments); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := store.FindResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil {
		t.Fatal("expected result to be found")
	}
	if found.TranscriptText != result.TranscriptText {
		t.Errorf("expected transcript %q, got %q", result.TranscriptText, found.TranscriptText)
	}

	foundSegments, err := store.FindSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(foundSegments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(foundSegments))
	}
	if foundSegments[0].Text != "こんにちは" || foundSegments[1].Text != "世界" {
		t.Errorf("segments out of order: %+v", foundSegments)
	}
	if foundSegments[0].SpeakerTag != "1" {
		t.Errorf("expected speaker tag 1, got %q", foundSegments[0].SpeakerTag)
	}

	missing, err := store.FindResult(ctx, 99999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing result, got %+v", missing)
	}
}

func TestDeleteRemovesJobAndResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	segments := []ResultSegment{{SegmentOrder: 1, Text: "x"}}
	if err := store.SaveResult(ctx, &Result{JobRef: job.ID, TranscriptText: "x"}, segments); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := store.FindByJobID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Error("expected job to be deleted")
	}
	result, err := store.FindResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("expected result to be deleted")
	}
	remaining, err := store.FindSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected segments to be deleted, got %d", len(remaining))
	}
}

func TestFindExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh := createTestJob(t, store)

	expired := &Job{
		Filename:         "old.mp3",
		OriginalFilename: "old.mp3",
		FileSize:         1,
		FileFormat:       "mp3",
		ExpiresAt:        time.Now().UTC().Add(-time.Hour),
	}
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := store.FindExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 expired job, got %d", len(found))
	}
	if found[0].JobID == fresh.JobID {
		t.Error("fresh job reported as expired")
	}
}

// Package transcribe は音声ファイルの受付から文字起こしジョブの投入までを提供します。
package transcribe

import (
	"context"
	"fmt"
	"log"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/voice-scribe/internal/config"
	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/progress"
	"github.com/yourusername/voice-scribe/internal/storage"
)

// Error はクライアントへ返すエラーです。Code はAPIレスポンスの code フィールドになります。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// allowedExtensions は受け付ける音声ファイルの拡張子です。
var allowedExtensions = map[string]struct{}{
	"wav":  {},
	"mp3":  {},
	"flac": {},
	"m4a":  {},
	"ogg":  {},
}

// sniffLimit はMIME判定のために読む先頭バイト数です。
const sniffLimit = 3072

// Queue はジョブを非同期処理へ引き渡す先です。tasks.Manager が実装します。
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Notifier はジョブ状態の変化をリアルタイム配信します。realtime.Hub が実装します。
type Notifier interface {
	PublishStatus(snapshot *jobs.Snapshot)
}

// UploadOptions はアップロード時に指定できる認識オプションです。
type UploadOptions struct {
	Language          string
	Model             string
	EnableDiarization *bool
	Duration          *float64 // 秒。クライアントが分かる場合のみ
	SampleRate        *int
	Channels          *int
}

// Service はジョブの受付・参照・キャンセルを提供します。
type Service struct {
	cfg       *config.Config
	store     *jobs.Store
	files     storage.Storage
	estimator *progress.Estimator
	queue     Queue
	notifier  Notifier
	logger    *log.Logger
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, store *jobs.Store, files storage.Storage, estimator *progress.Estimator, queue Queue, notifier Notifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		files:     files,
		estimator: estimator,
		queue:     queue,
		notifier:  notifier,
		logger:    logger,
	}
}

// CreateFromUpload はアップロードされた音声を検証・保存し、ジョブをキューへ積みます。
// 返り値のスナップショットには初期状態と完了予測が入ります。
func (s *Service) CreateFromUpload(ctx context.Context, header *multipart.FileHeader, opts UploadOptions) (*jobs.Snapshot, error) {
	if header == nil || header.Filename == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "音声ファイルを選択してください。"}
	}
	if header.Size <= 0 {
		return nil, &Error{Code: "INVALID_INPUT", Message: "ファイルが空です。"}
	}
	if header.Size > s.cfg.MaxFileSize {
		return nil, &Error{
			Code:    "LIMIT_EXCEEDED",
			Message: fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", s.cfg.MaxFileSize/(1024*1024)),
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if _, ok := allowedExtensions[ext]; !ok {
		return nil, &Error{
			Code:    "UNSUPPORTED_FORMAT",
			Message: "対応していないファイル形式です。wav / mp3 / flac / m4a / ogg をアップロードしてください。",
		}
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	// 拡張子だけでなく中身も音声であることを確認する
	head := make([]byte, sniffLimit)
	n, _ := file.Read(head)
	if !isAudioContent(mimetype.Detect(head[:n])) {
		return nil, &Error{
			Code:    "UNSUPPORTED_FORMAT",
			Message: "ファイルの内容が音声データとして認識できませんでした。",
		}
	}
	if _, err := file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}

	job := &jobs.Job{
		JobID:             uuid.NewString(),
		OriginalFilename:  header.Filename,
		Filename:          filepath.Base(header.Filename),
		FileSize:          header.Size,
		FileFormat:        ext,
		Language:          opts.Language,
		Model:             opts.Model,
		Duration:          opts.Duration,
		SampleRate:        opts.SampleRate,
		Channels:          opts.Channels,
		EnableDiarization: true,
		CanCancel:         true,
	}
	if job.Language == "" {
		job.Language = "auto"
	}
	if job.Model == "" {
		job.Model = "general"
	}
	if opts.EnableDiarization != nil {
		job.EnableDiarization = *opts.EnableDiarization
	}

	path, err := s.files.Save(job.JobID, job.Filename, file)
	if err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	job.FilePath = path

	if err := s.store.Create(ctx, job); err != nil {
		if removeErr := s.files.RemoveJob(job.JobID); removeErr != nil {
			s.logger.Printf("transcribe: failed to remove files for job %s: %v", job.JobID, removeErr)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.JobID); err != nil {
		s.failJob(ctx, job.JobID, "ジョブの投入に失敗しました。")
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Printf("transcribe: accepted job %s (%s, %d bytes)", job.JobID, job.FileFormat, job.FileSize)
	return s.Snapshot(ctx, job.JobID)
}

// Snapshot は現在のジョブ状態を返します。見つからない場合は (nil, nil) です。
// realtime.SnapshotSource を実装します。
func (s *Service) Snapshot(ctx context.Context, jobID string) (*jobs.Snapshot, error) {
	job, err := s.store.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	snapshot := jobs.NewSnapshot(job)
	if s.estimator != nil {
		snapshot.EstimatedCompletion = s.estimator.EstimateCompletion(ctx, job)
	}
	return snapshot, nil
}

// Result は完了したジョブの文字起こし結果を区間付きで返します。
func (s *Service) Result(ctx context.Context, jobID string) (*jobs.Snapshot, *jobs.Result, []jobs.ResultSegment, error) {
	job, err := s.store.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	if job == nil {
		return nil, nil, nil, nil
	}
	if job.Status != jobs.StatusCompleted {
		return nil, nil, nil, &Error{
			Code:    "JOB_NOT_COMPLETED",
			Message: "ジョブはまだ完了していません。",
		}
	}

	result, err := s.store.FindResult(ctx, job.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if result == nil {
		return nil, nil, nil, &Error{
			Code:    "RESULT_NOT_FOUND",
			Message: "文字起こし結果が見つかりませんでした。",
		}
	}

	segments, err := s.store.FindSegments(ctx, job.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return jobs.NewSnapshot(job), result, segments, nil
}

// RequestCancel はジョブのキャンセルを要求します。
// 終端状態および出力生成中のジョブはキャンセルできません。
func (s *Service) RequestCancel(ctx context.Context, jobID string) (*jobs.Snapshot, error) {
	job, err := s.store.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &Error{Code: "JOB_NOT_FOUND", Message: "指定されたジョブは存在しません。"}
	}
	if !job.Status.IsCancellable() {
		return nil, &Error{
			Code:    "CANNOT_CANCEL",
			Message: fmt.Sprintf("現在の状態（%s）ではキャンセルできません。", job.Status),
		}
	}

	cancelled, err := s.store.Transition(ctx, jobID, jobs.StatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}

	snapshot := jobs.NewSnapshot(cancelled)
	if s.notifier != nil {
		s.notifier.PublishStatus(snapshot)
	}
	s.logger.Printf("transcribe: job %s cancelled", jobID)
	return snapshot, nil
}

// List はジョブ一覧を返します。
func (s *Service) List(ctx context.Context, limit, offset int, status jobs.Status) ([]*jobs.Snapshot, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.List(ctx, limit, offset, status)
	if err != nil {
		return nil, 0, err
	}

	out := make([]*jobs.Snapshot, 0, len(records))
	for i := range records {
		out = append(out, jobs.NewSnapshot(&records[i]))
	}
	return out, total, nil
}

// CleanupExpired は期限切れジョブの行とファイルを削除し、削除件数を返します。
// 古い処理実績もあわせて削除します。定期実行される想定です。
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.store.FindExpired(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := range expired {
		job := &expired[i]
		if err := s.files.RemoveJob(job.JobID); err != nil {
			s.logger.Printf("transcribe: failed to remove files for expired job %s: %v", job.JobID, err)
			continue
		}
		if err := s.store.Delete(ctx, job); err != nil {
			s.logger.Printf("transcribe: failed to delete expired job %s: %v", job.JobID, err)
			continue
		}
		removed++
	}

	// 処理実績はジョブ有効期限の30倍を目安に保持する
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.JobExpireHour) * time.Hour * 30)
	if _, err := s.store.DeleteHistoryBefore(ctx, cutoff); err != nil {
		s.logger.Printf("transcribe: failed to prune processing history: %v", err)
	}

	if removed > 0 {
		s.logger.Printf("transcribe: removed %d expired jobs", removed)
	}
	return removed, nil
}

// failJob は受付処理の途中で失敗したジョブを failed に落とします。ベストエフォートです。
func (s *Service) failJob(ctx context.Context, jobID string, message string) {
	if _, err := s.store.Transition(ctx, jobID, jobs.StatusFailed, message); err != nil {
		s.logger.Printf("transcribe: failed to mark job %s as failed: %v", jobID, err)
	}
}

// isAudioContent はMIME判定の結果が音声コンテナとして妥当かを返します。
// m4a はMP4コンテナ、ogg は application/ogg と判定されることがあります。
func isAudioContent(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		value := m.String()
		if strings.HasPrefix(value, "audio/") ||
			strings.HasPrefix(value, "application/ogg") ||
			value == "video/mp4" {
			return true
		}
	}
	return false
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrJobNotFound は対象のジョブが存在しない場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition は状態遷移表に存在しない遷移が要求された場合に返されます。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrVersionConflict は楽観ロックの競合がリトライ上限まで解消しなかった場合に返されます。
	ErrVersionConflict = errors.New("job version conflict")
)

// 楽観ロック競合時の再試行回数。リクエスト側とワーカー側の同時書き込みは
// 高々数回で順序が付くため、小さい値で十分です。
const transitionMaxAttempts = 3

// Store はジョブとその周辺テーブルへのアクセスをまとめます。
// 状態を変更する操作はすべて version 条件付きのUPDATEで直列化されます。
type Store struct {
	db          *gorm.DB
	expireAfter time.Duration
}

// NewStore は Store を作成します。expireAfter は新規ジョブの有効期限です。
func NewStore(db *gorm.DB, expireAfter time.Duration) *Store {
	return &Store{
		db:          db,
		expireAfter: expireAfter,
	}
}

// Migrate は必要なテーブルを作成・更新します。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Job{}, &ProcessingHistory{}, &Result{}, &ResultSegment{})
}

// Create はジョブを新規作成します。外部IDとタイムスタンプはここで確定します。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	now := time.Now().UTC()
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusUploaded
	}
	job.CreatedAt = now
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = now.Add(s.expireAfter)
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// FindByJobID は外部IDでジョブを検索します。見つからない場合は (nil, nil) を返します。
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	var job Job
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Transition はジョブの状態を target へ遷移させます。
// 遷移表にない遷移は ErrInvalidTransition を返し、ジョブは変更されません。
// 書き込みは version 条件付きUPDATEで行い、競合時は読み直して再試行します。
func (s *Store) Transition(ctx context.Context, jobID string, target Status, errorMessage string) (*Job, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown status: %s", target)
	}

	for attempt := 0; attempt < transitionMaxAttempts; attempt++ {
		job, err := s.FindByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, ErrJobNotFound
		}
		if !job.Status.CanTransitionTo(target) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, target)
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":  target,
			"version": job.Version + 1,
		}
		// 処理開始時刻は最初の processing 突入時にだけ記録する
		if target == StatusProcessing && job.StartedAt == nil {
			updates["started_at"] = now
		}
		if target.IsTerminal() {
			updates["completed_at"] = now
			updates["can_cancel"] = false
		}
		if target == StatusCompleted {
			updates["progress"] = 100
		}
		if target == StatusCancelled {
			updates["progress"] = 0
		}
		if errorMessage != "" {
			updates["error_message"] = errorMessage
		}

		res := s.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND version = ?", job.ID, job.Version).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// 並行する書き込みに追い越された。読み直して遷移可否を再判定する。
			continue
		}
		return s.FindByJobID(ctx, jobID)
	}
	return nil, ErrVersionConflict
}

// UpdateProgress は進捗とステージ名を保存します。状態は変更しません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int, phase string) (*Job, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	for attempt := 0; attempt < transitionMaxAttempts; attempt++ {
		job, err := s.FindByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, ErrJobNotFound
		}
		// 終端状態に達したジョブの進捗は動かさない
		if job.Status.IsTerminal() {
			return job, nil
		}

		updates := map[string]any{
			"progress": progress,
			"version":  job.Version + 1,
		}
		if phase != "" {
			updates["phase"] = phase
		}

		res := s.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND version = ?", job.ID, job.Version).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		return s.FindByJobID(ctx, jobID)
	}
	return nil, ErrVersionConflict
}

// UpdateQueuePosition はキュー内の待ち位置を保存します。値はベストエフォートです。
func (s *Store) UpdateQueuePosition(ctx context.Context, jobID string, position int) (*Job, error) {
	job, err := s.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"queue_position": position,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return s.FindByJobID(ctx, jobID)
}

// QueuePositionFor は、自分より先に作成された未着手ジョブの数から待ち位置を計算します。
// 先行ジョブの完了時に減算はしないため、表示される位置は古くなることがあります。
func (s *Store) QueuePositionFor(ctx context.Context, job *Job) (int, error) {
	var ahead int64
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("status IN ?", []Status{StatusUploaded, StatusQueued}).
		Where("created_at < ?", job.CreatedAt).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return int(ahead) + 1, nil
}

// List はジョブを作成日時の降順で返します。status が空でない場合は絞り込みます。
func (s *Store) List(ctx context.Context, limit, offset int, status Status) ([]Job, int64, error) {
	query := s.db.WithContext(ctx).Model(&Job{})
	if status != "" {
		if !status.Valid() {
			return nil, 0, fmt.Errorf("unknown status: %s", status)
		}
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []Job
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// FindExpired は有効期限切れのジョブを返します。削除自体は保守ジョブが行います。
func (s *Store) FindExpired(ctx context.Context) ([]Job, error) {
	var out []Job
	err := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Find(&out).Error
	return out, err
}

// Delete はジョブとその結果行・区間行を削除します。期限切れジョブの掃除に使います。
func (s *Store) Delete(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_ref = ?", job.ID).Delete(&ResultSegment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_ref = ?", job.ID).Delete(&Result{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Job{}, job.ID).Error
	})
}

// AppendHistory は処理実績を1件追記します。
func (s *Store) AppendHistory(ctx context.Context, fileSize int64, durationSeconds float64) error {
	record := &ProcessingHistory{
		FileSize:           fileSize,
		ProcessingDuration: durationSeconds,
		CreatedAt:          time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// historySampleSize は平均処理時間の算出に使う直近サンプル数です。
const historySampleSize = 50

// AverageProcessingTime は対象サイズの±20%に収まる直近の実績から
// 平均処理秒数を計算します。実績がない場合は ok=false を返します。
func (s *Store) AverageProcessingTime(ctx context.Context, fileSizeMB float64) (float64, bool, error) {
	sizeBytes := int64(fileSizeMB * 1024 * 1024)
	window := int64(float64(sizeBytes) * 0.2)

	var records []ProcessingHistory
	err := s.db.WithContext(ctx).
		Where("file_size >= ? AND file_size <= ?", sizeBytes-window, sizeBytes+window).
		Order("created_at DESC").
		Limit(historySampleSize).
		Find(&records).Error
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}

	var total float64
	for _, record := range records {
		total += record.ProcessingDuration
	}
	return total / float64(len(records)), true, nil
}

// DeleteHistoryBefore は古い処理実績を削除し、削除件数を返します。
func (s *Store) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ProcessingHistory{})
	return res.RowsAffected, res.Error
}

// SaveResult は文字起こし結果と区間行をまとめて保存します。
func (s *Store) SaveResult(ctx context.Context, result *Result, segments []ResultSegment) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	result.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return err
		}
		if len(segments) == 0 {
			return nil
		}
		for i := range segments {
			segments[i].JobRef = result.JobRef
		}
		return tx.Create(&segments).Error
	})
}

// FindResult は内部IDに紐づく結果を返します。見つからない場合は (nil, nil) を返します。
func (s *Store) FindResult(ctx context.Context, jobRef uint) (*Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Where("job_ref = ?", jobRef).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// FindSegments は内部IDに紐づく区間行を区間順で返します。
func (s *Store) FindSegments(ctx context.Context, jobRef uint) ([]ResultSegment, error) {
	var out []ResultSegment
	err := s.db.WithContext(ctx).
		Where("job_ref = ?", jobRef).
		Order("segment_order ASC").
		Find(&out).Error
	return out, err
}

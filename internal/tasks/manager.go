// Package tasks は文字起こしジョブの非同期実行を管理します。
//
// キューイングには asynq を使い、Redisが利用できる構成では複数プロセスで
// ワーカーを分散できます。kvstore がメモリフォールバックに落ちている場合は
// 同一プロセス内の有限ワーカープールに切り替わり、リトライ方針は同じまま
// 動作を続けます。
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/voice-scribe/internal/config"
	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/kvstore"
	"github.com/yourusername/voice-scribe/internal/progress"
	"github.com/yourusername/voice-scribe/internal/speechkit"
)

// taskTypeTranscribe は文字起こしタスクの種別名です。
const taskTypeTranscribe = "transcribe:process"

// queueTranscribe はタスクを積むキュー名です。
const queueTranscribe = "transcribe"

// Notifier はジョブの進捗をリアルタイム配信する出口です。realtime.Hub が実装します。
type Notifier interface {
	PublishStatus(snapshot *jobs.Snapshot)
	PublishQueuePosition(jobID string, position int, estimatedWaitSeconds int)
	PublishProcessingError(jobID string, message string, suggestedActions []string)
}

// Recognizer は音声認識プロバイダーの操作です。speechkit.Client が実装します。
type Recognizer interface {
	RecognizeSync(ctx context.Context, audio []byte, cfg speechkit.RecognitionConfig) (*speechkit.Result, error)
	StartLongRunning(ctx context.Context, audio []byte, cfg speechkit.RecognitionConfig) (string, error)
	WaitForCompletion(ctx context.Context, operationID string, budget time.Duration, onPoll func()) (*speechkit.Result, error)
}

// transcribePayload はタスクに載せるペイロードです。
type transcribePayload struct {
	JobID string `json:"jobId"`
}

// Manager はジョブの投入とワーカーの起動・停止を担います。
type Manager struct {
	store      *jobs.Store
	estimator  *progress.Estimator
	notifier   Notifier
	recognizer Recognizer
	logger     *log.Logger

	maxAttempts       int
	processingTimeout time.Duration

	// 音声ファイルの読み込み。テストで差し替えます。
	readAudio func(path string) ([]byte, error)

	// Redisが使える構成での経路
	client *asynq.Client
	server *asynq.Server

	// メモリフォールバック時の経路
	pool *inlinePool
}

// NewManager は Manager を作成します。
// kvstore がRedis系のバックエンドを持つ場合は asynq を、そうでない場合は
// プロセス内ワーカープールを使います。どちらでも外部から見える挙動は同じです。
func NewManager(cfg *config.Config, store *jobs.Store, estimator *progress.Estimator, notifier Notifier, recognizer Recognizer, kv *kvstore.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}

	m := &Manager{
		store:             store,
		estimator:         estimator,
		notifier:          notifier,
		recognizer:        recognizer,
		logger:            logger,
		maxAttempts:       cfg.TaskMaxRetries,
		processingTimeout: time.Duration(cfg.ProcessingTimeout) * time.Second,
		readAudio:         os.ReadFile,
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}

	if opt, ok := kv.ConnOptions(); ok {
		redisOpt := asynq.RedisClientOpt{
			Addr:     opt.Addr,
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		}
		m.client = asynq.NewClient(redisOpt)
		m.server = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues:      map[string]int{queueTranscribe: 1},
		})
	} else {
		logger.Printf("tasks: kvstore has no redis backend, using in-process worker pool")
		m.pool = newInlinePool(m, cfg.WorkerConcurrency)
	}

	return m
}

// StartWorkers はワーカーの処理ループを開始します。
func (m *Manager) StartWorkers() error {
	if m.server != nil {
		mux := asynq.NewServeMux()
		mux.HandleFunc(taskTypeTranscribe, m.handleTranscribeTask)
		return m.server.Start(mux)
	}
	m.pool.start()
	return nil
}

// Shutdown はワーカーを停止します。実行中のタスクの完了を待ちます。
func (m *Manager) Shutdown() {
	if m.server != nil {
		m.server.Shutdown()
	}
	if m.client != nil {
		_ = m.client.Close()
	}
	if m.pool != nil {
		m.pool.stop()
	}
}

// Enqueue はアップロード済みのジョブをキューへ積みます。
// ジョブを queued に遷移させ、待ち位置を記録・配信してからタスクを投入します。
func (m *Manager) Enqueue(ctx context.Context, jobID string) error {
	job, err := m.store.Transition(ctx, jobID, jobs.StatusQueued, "")
	if err != nil {
		return fmt.Errorf("failed to queue job %s: %w", jobID, err)
	}

	// 待ち位置はベストエフォート。失敗してもキュー投入は続ける。
	if position, err := m.store.QueuePositionFor(ctx, job); err == nil {
		if updated, err := m.store.UpdateQueuePosition(ctx, jobID, position); err == nil {
			job = updated
		}
		waitSeconds := m.estimatedWaitSeconds(ctx, job, position)
		m.notifier.PublishQueuePosition(jobID, position, waitSeconds)
	} else {
		m.logger.Printf("tasks: failed to compute queue position for job %s: %v", jobID, err)
	}
	m.notifier.PublishStatus(m.snapshotWithEstimate(ctx, job))

	if m.client == nil {
		m.pool.submit(jobID)
		return nil
	}

	payload, err := json.Marshal(transcribePayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeTranscribe, payload)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueTranscribe),
		asynq.TaskID(taskTypeTranscribe+":"+jobID), // 同一ジョブの二重投入を防ぐ
		asynq.MaxRetry(m.maxAttempts-1),
		asynq.Timeout(m.processingTimeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// handleTranscribeTask は asynq ワーカーから呼ばれるタスクハンドラーです。
func (m *Manager) handleTranscribeTask(ctx context.Context, task *asynq.Task) error {
	var payload transcribePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %w: %w", err, asynq.SkipRetry)
	}

	attempt, _ := asynq.GetRetryCount(ctx)
	outcome := m.runPipeline(ctx, payload.JobID)
	return m.dispatch(ctx, payload.JobID, outcome, attempt)
}

// dispatch は Outcome を1か所で解釈し、終端状態への遷移と通知を行います。
//   - 成功: 履歴を記録して completed へ
//   - リトライ: 試行回数が残っていればエラーを返して再実行、尽きたら failed へ
//   - 失敗: 即座に failed へ
//   - 破棄: 何もしない（キャンセル済みなど）
//
// 返り値のエラーは asynq のリトライ判定にそのまま使われます。
func (m *Manager) dispatch(ctx context.Context, jobID string, outcome Outcome, attempt int) error {
	switch outcome.kind {
	case outcomeSuccess:
		return m.complete(ctx, jobID)

	case outcomeDiscard:
		return nil

	case outcomeRetry:
		// キャンセル直後に失敗が重なった場合はキャンセルを優先する
		if m.isCancelled(ctx, jobID) {
			return nil
		}
		if attempt+1 >= m.maxAttempts {
			m.markFailed(ctx, jobID, outcome.err)
			return fmt.Errorf("job %s failed after %d attempts: %w: %w", jobID, attempt+1, outcome.err, asynq.SkipRetry)
		}
		m.logger.Printf("tasks: job %s attempt %d failed, will retry: %v", jobID, attempt+1, outcome.err)
		return outcome.err

	case outcomeFailure:
		if m.isCancelled(ctx, jobID) {
			return nil
		}
		m.markFailed(ctx, jobID, outcome.err)
		return fmt.Errorf("job %s failed: %w: %w", jobID, outcome.err, asynq.SkipRetry)

	default:
		return fmt.Errorf("unknown outcome for job %s: %w", jobID, asynq.SkipRetry)
	}
}

// complete はジョブを completed まで進め、処理時間を履歴に記録します。
func (m *Manager) complete(ctx context.Context, jobID string) error {
	job, err := m.store.Transition(ctx, jobID, jobs.StatusCompleted, "")
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	if seconds := job.ProcessingTime(); seconds != nil {
		if err := m.store.AppendHistory(ctx, job.FileSize, *seconds); err != nil {
			m.logger.Printf("tasks: failed to record processing history for job %s: %v", jobID, err)
		}
	}

	m.notifier.PublishStatus(m.snapshotWithEstimate(ctx, job))
	m.logger.Printf("tasks: job %s completed", jobID)
	return nil
}

// markFailed はジョブを failed に遷移させ、エラーを配信します。
func (m *Manager) markFailed(ctx context.Context, jobID string, cause error) {
	message := "processing failed"
	if cause != nil {
		message = cause.Error()
	}

	job, err := m.store.Transition(ctx, jobID, jobs.StatusFailed, message)
	if err != nil {
		if !errors.Is(err, jobs.ErrInvalidTransition) {
			m.logger.Printf("tasks: failed to mark job %s as failed: %v", jobID, err)
		}
		return
	}

	m.notifier.PublishStatus(m.snapshotWithEstimate(ctx, job))
	m.notifier.PublishProcessingError(jobID, message, suggestedActions(cause))
	m.logger.Printf("tasks: job %s failed: %s", jobID, message)
}

func (m *Manager) isCancelled(ctx context.Context, jobID string) bool {
	job, err := m.store.FindByJobID(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == jobs.StatusCancelled
}

// snapshotWithEstimate は配信用のスナップショットに完了予測時刻を付けます。
func (m *Manager) snapshotWithEstimate(ctx context.Context, job *jobs.Job) *jobs.Snapshot {
	snapshot := jobs.NewSnapshot(job)
	if m.estimator != nil {
		snapshot.EstimatedCompletion = m.estimator.EstimateCompletion(ctx, job)
	}
	return snapshot
}

// estimatedWaitSeconds はキュー待ち時間の概算です。前に並ぶジョブ数×推定処理時間。
func (m *Manager) estimatedWaitSeconds(ctx context.Context, job *jobs.Job, position int) int {
	if m.estimator == nil || position <= 1 || job.FileSize <= 0 {
		return 0
	}
	perJob := m.estimator.EstimateProcessingTime(ctx, float64(job.FileSize)/(1024*1024))
	return (position - 1) * perJob
}

// suggestedActions は失敗理由に応じたユーザー向けの対処を返します。
func suggestedActions(cause error) []string {
	var authErr *speechkit.AuthError
	var permErr *speechkit.PermissionError
	var rateErr *speechkit.RateLimitError

	switch {
	case errors.As(cause, &authErr), errors.As(cause, &permErr):
		return []string{"APIキーとフォルダーIDの設定を確認してください"}
	case errors.As(cause, &rateErr):
		return []string{"しばらく待ってから再度アップロードしてください"}
	default:
		return []string{"ファイルを再度アップロードしてください", "問題が続く場合は別の形式で変換してお試しください"}
	}
}

// inlinePool は Redis なし構成向けのプロセス内ワーカープールです。
// セマフォで同時実行数を抑え、asynq と同じ試行回数・バックオフで再実行します。
type inlinePool struct {
	manager *Manager
	sem     chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newInlinePool(manager *Manager, concurrency int) *inlinePool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &inlinePool{
		manager: manager,
		sem:     make(chan struct{}, concurrency),
		done:    make(chan struct{}),
	}
}

func (p *inlinePool) start() {}

func (p *inlinePool) stop() {
	close(p.done)
	p.wg.Wait()
}

// submit はジョブの実行を予約します。空きワーカーができ次第処理されます。
func (p *inlinePool) submit(jobID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.done:
			return
		}

		p.run(jobID)
	}()
}

// run は asynq ハンドラーと同じ dispatch 規約でジョブを繰り返し実行します。
func (p *inlinePool) run(jobID string) {
	m := p.manager
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.processingTimeout)
		outcome := m.runPipeline(ctx, jobID)
		err := m.dispatch(ctx, jobID, outcome, attempt)
		cancel()

		if err == nil || errors.Is(err, asynq.SkipRetry) {
			return
		}

		// 指数バックオフ。停止要求が来たら待たずに終わる。
		select {
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		case <-p.done:
			return
		}
	}
}

package tasks

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/speechkit"
)

// 各ステージの進捗チェックポイント。プロバイダー処理（30〜80%）が支配的です。
const (
	progressPreprocessing  = 10
	progressUploading      = 20
	progressProviderStart  = 30
	progressProviderCap    = 80
	progressDownloading    = 90
	progressPostprocessing = 95
)

// ステージ名。ジョブの phase としてそのまま保存・配信されます。
const (
	phasePreprocessing  = "preprocessing"
	phaseUploading      = "uploading_to_api"
	phaseProcessingAPI  = "processing_api"
	phaseDownloading    = "downloading_results"
	phasePostprocessing = "postprocessing"
)

// 同期APIで処理できる音声長の上限（秒）。これを超えるか不明なら非同期APIを使います。
const syncRecognitionMaxSeconds = 60

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeFailure
	outcomeDiscard
)

// Outcome はパイプライン1回分の実行結果です。
// 成功・リトライ・失敗・破棄のいずれかで、後続の処理は dispatch だけが行います。
type Outcome struct {
	kind   outcomeKind
	err    error
	result *speechkit.Result
}

func succeed(result *speechkit.Result) Outcome { return Outcome{kind: outcomeSuccess, result: result} }
func retryAfter(err error) Outcome             { return Outcome{kind: outcomeRetry, err: err} }
func fail(err error) Outcome                   { return Outcome{kind: outcomeFailure, err: err} }
func discard() Outcome                         { return Outcome{kind: outcomeDiscard} }

// cancelToken はステージ境界で参照されるキャンセル信号です。
// プロバイダー呼び出し中は中断できないため、チェックは境界に限定されます。
type cancelToken struct {
	store *jobs.Store
	jobID string
}

// Cancelled はジョブがキャンセル済みかどうかを返します。
// 状態の読み出しに失敗した場合はキャンセル扱いにしません。
func (t *cancelToken) Cancelled(ctx context.Context) bool {
	job, err := t.store.FindByJobID(ctx, t.jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == jobs.StatusCancelled
}

// runPipeline はジョブ1件の文字起こしパイプラインを1回実行します。
// ステージごとに進捗を永続化してから配信し、配信失敗は処理を止めません。
func (m *Manager) runPipeline(ctx context.Context, jobID string) Outcome {
	job, err := m.store.FindByJobID(ctx, jobID)
	if err != nil {
		return retryAfter(err)
	}
	if job == nil {
		return fail(errors.New("job not found: " + jobID))
	}
	if job.Status.IsTerminal() {
		// キャンセル済み・処理済みのジョブが再配送された場合は黙って捨てる
		return discard()
	}

	token := &cancelToken{store: m.store, jobID: jobID}

	// リトライ時はすでに processing 以降にいるため、必要なときだけ遷移する
	if job.Status != jobs.StatusGeneratingOutput {
		if out, ok := m.ensureStatus(ctx, jobID, jobs.StatusProcessing); !ok {
			return out
		}
	}

	// ステージ1: 前処理
	if out, ok := m.checkpoint(ctx, jobID, progressPreprocessing, phasePreprocessing); !ok {
		return out
	}
	if job.FilePath == "" {
		return fail(errors.New("job has no audio file path"))
	}
	audio, err := m.readAudio(job.FilePath)
	if err != nil {
		return classifyError(err)
	}

	if token.Cancelled(ctx) {
		return discard()
	}

	// ステージ2: プロバイダーへのアップロード
	if out, ok := m.checkpoint(ctx, jobID, progressUploading, phaseUploading); !ok {
		return out
	}
	recognition := speechkit.RecognitionConfig{
		Language:          job.Language,
		Model:             job.Model,
		SampleRateHertz:   16000,
		EnableDiarization: job.EnableDiarization,
	}

	if token.Cancelled(ctx) {
		return discard()
	}

	// ステージ3: プロバイダーでの認識処理
	if out, ok := m.checkpoint(ctx, jobID, progressProviderStart, phaseProcessingAPI); !ok {
		return out
	}
	result, err := m.recognize(ctx, jobID, job, audio, recognition)
	if err != nil {
		if token.Cancelled(ctx) {
			// キャンセル中の失敗はキャンセルの勝ち
			return discard()
		}
		return classifyError(err)
	}

	if token.Cancelled(ctx) {
		// キャンセル後に届いた結果は破棄する
		return discard()
	}

	// ステージ4: 結果の取り込み
	if out, ok := m.ensureStatus(ctx, jobID, jobs.StatusGeneratingOutput); !ok {
		return out
	}
	if out, ok := m.checkpoint(ctx, jobID, progressDownloading, phaseDownloading); !ok {
		return out
	}
	if err := m.store.SaveResult(ctx, &jobs.Result{
		JobRef:           job.ID,
		TranscriptText:   result.Transcript,
		ConfidenceScore:  result.Confidence,
		LanguageDetected: result.LanguageDetected,
		WordCount:        result.WordCount(),
	}, resultSegments(result)); err != nil {
		return retryAfter(err)
	}

	// ステージ5: 後処理
	if out, ok := m.checkpoint(ctx, jobID, progressPostprocessing, phasePostprocessing); !ok {
		return out
	}

	return succeed(result)
}

// resultSegments は認識結果の区間を保存用の行へ写します。
func resultSegments(result *speechkit.Result) []jobs.ResultSegment {
	if len(result.Segments) == 0 {
		return nil
	}
	out := make([]jobs.ResultSegment, 0, len(result.Segments))
	for _, segment := range result.Segments {
		out = append(out, jobs.ResultSegment{
			SegmentOrder: segment.Order,
			StartTime:    segment.StartTime,
			EndTime:      segment.EndTime,
			Text:         segment.Text,
			Confidence:   segment.Confidence,
			SpeakerTag:   segment.SpeakerTag,
		})
	}
	return out
}

// ensureStatus はジョブを target 状態へ進めます。すでに target にいる場合は何もしません。
// キャンセルなどで遷移できなくなっていた場合は破棄の Outcome を返します。
func (m *Manager) ensureStatus(ctx context.Context, jobID string, target jobs.Status) (Outcome, bool) {
	job, err := m.store.FindByJobID(ctx, jobID)
	if err != nil {
		return retryAfter(err), false
	}
	if job == nil {
		return fail(errors.New("job not found: " + jobID)), false
	}
	if job.Status == target {
		return Outcome{}, true
	}

	if _, err := m.store.Transition(ctx, jobID, target, ""); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return discard(), false
		}
		return retryAfter(err), false
	}
	return Outcome{}, true
}

// recognize は音声長に応じて同期・非同期APIを使い分けます。
// 非同期の場合はポーリングのたびに進捗を30〜80%の間で少しずつ進めます。
func (m *Manager) recognize(ctx context.Context, jobID string, job *jobs.Job, audio []byte, cfg speechkit.RecognitionConfig) (*speechkit.Result, error) {
	if job.Duration != nil && *job.Duration <= syncRecognitionMaxSeconds {
		return m.recognizer.RecognizeSync(ctx, audio, cfg)
	}

	operationID, err := m.recognizer.StartLongRunning(ctx, audio, cfg)
	if err != nil {
		return nil, err
	}

	current := progressProviderStart
	onPoll := func() {
		if current < progressProviderCap {
			current += 5
			if current > progressProviderCap {
				current = progressProviderCap
			}
			// ポーリング中の保存失敗で待機は止めない。次のステージ境界で改めて判定される。
			if out, ok := m.checkpoint(ctx, jobID, current, phaseProcessingAPI); !ok {
				m.logger.Printf("tasks: failed to persist polling progress for job %s: %v", jobID, out.err)
			}
		}
	}

	budget := m.waitBudget(ctx)
	return m.recognizer.WaitForCompletion(ctx, operationID, budget, onPoll)
}

// waitBudget はタスク全体の締め切りからポーリング待機に使える時間を割り出します。
func (m *Manager) waitBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain > 0 {
			return remain
		}
		return time.Second
	}
	return m.processingTimeout
}

// checkpoint は (進捗, ステージ) を永続化し、同じスナップショットを配信します。
// 永続化の失敗はリトライ対象の Outcome として返し、配信の失敗は無視されます。
func (m *Manager) checkpoint(ctx context.Context, jobID string, progress int, phase string) (Outcome, bool) {
	job, err := m.store.UpdateProgress(ctx, jobID, progress, phase)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return fail(err), false
		}
		return retryAfter(err), false
	}

	// 配信はベストエフォート。失敗してもパイプラインは止めない。
	m.notifier.PublishStatus(m.snapshotWithEstimate(ctx, job))
	return Outcome{}, true
}

// classifyError は失敗をリトライ可否で振り分けます。
//   - 入力不正・ファイル欠落・認証/権限エラー: リトライしない
//   - ネットワーク・5xx・レート制限・プロバイダー側タイムアウト: リトライする
//   - タスク全体のタイムアウト超過: 致命的としてリトライしない
func classifyError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return fail(errors.New("processing timed out: " + err.Error()))
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fail(err)
	}

	var authErr *speechkit.AuthError
	var permErr *speechkit.PermissionError
	var rateErr *speechkit.RateLimitError
	var apiErr *speechkit.APIError
	var timeoutErr *speechkit.OperationTimeoutError

	switch {
	case errors.As(err, &authErr), errors.As(err, &permErr):
		return fail(err)
	case errors.As(err, &rateErr), errors.As(err, &timeoutErr):
		return retryAfter(err)
	case errors.As(err, &apiErr):
		if apiErr.Retryable() || apiErr.StatusCode == 0 {
			// 0 はHTTP層まで届かなかったネットワークエラー
			return retryAfter(err)
		}
		return fail(err)
	default:
		return retryAfter(err)
	}
}

// Package jobs は文字起こしジョブの永続化と状態遷移を管理します。
package jobs

import "time"

// Status はジョブのライフサイクル状態を表します。
type Status string

const (
	StatusUploaded         Status = "uploaded"
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusGeneratingOutput Status = "generating_output"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// validTransitions は各状態から遷移可能な状態の集合です。
// 終端状態（completed / failed / cancelled）からの遷移は存在しません。
var validTransitions = map[Status][]Status{
	StatusUploaded:         {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:           {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:       {StatusGeneratingOutput, StatusFailed, StatusCancelled},
	StatusGeneratingOutput: {StatusCompleted, StatusFailed},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// CanTransitionTo は target への遷移が許可されているかを返します。
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range validTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal は終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// IsCancellable はキャンセル要求を受け付けられる状態かどうかを返します。
func (s Status) IsCancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// Valid は定義済みの状態かどうかを返します。
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Job は1件の文字起こしリクエストを表すDB行です。
// 書き込みは Store を経由し、状態変更は Transition のみが行います。
type Job struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	JobID string `gorm:"size:36;uniqueIndex;not null"` // クライアント向けの外部ID（UUID）

	// ファイル情報（作成後は読み取り専用）
	Filename         string `gorm:"size:255;not null"`
	OriginalFilename string `gorm:"size:255;not null"`
	FileSize         int64  `gorm:"not null"`
	FileFormat       string `gorm:"size:10;not null"`
	FilePath         string `gorm:"size:500"`

	// 処理状態
	Status       Status `gorm:"size:20;not null;default:uploaded"`
	Progress     int    `gorm:"not null;default:0"` // 0-100
	Phase        string `gorm:"size:50"`            // 現在の処理ステージ名
	ErrorMessage string `gorm:"type:text"`

	// リアルタイム表示用
	QueuePosition *int
	CanCancel     bool `gorm:"not null;default:true"`

	// 楽観ロック用のバージョン番号。Store の条件付きUPDATEで検査されます。
	Version int64 `gorm:"not null;default:0"`

	// タイムスタンプ
	CreatedAt   time.Time `gorm:"not null"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time `gorm:"not null"`

	// 音声メタデータ
	Duration   *float64 // 秒
	SampleRate *int
	Channels   *int

	// 認識オプション
	Language          string `gorm:"size:10;default:auto"`
	EnableDiarization bool   `gorm:"not null;default:true"`
	Model             string `gorm:"size:50;default:general"`
}

// TableName はテーブル名を固定します。
func (Job) TableName() string { return "jobs" }

// ProcessingTime は処理開始からの経過秒数を返します。未開始なら nil です。
func (j *Job) ProcessingTime() *float64 {
	if j.StartedAt == nil {
		return nil
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	seconds := end.Sub(*j.StartedAt).Seconds()
	return &seconds
}

// IsExpired は有効期限切れかどうかを返します。
func (j *Job) IsExpired() bool {
	return time.Now().UTC().After(j.ExpiresAt)
}

// ProcessingHistory は完了したジョブの処理実績です。
// タスクオーケストレーターが成功時に追記し、それ以外からは読み取り専用です。
type ProcessingHistory struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement"`
	FileSize           int64     `gorm:"not null"` // バイト
	ProcessingDuration float64   `gorm:"not null"` // 秒
	CreatedAt          time.Time `gorm:"not null;index"`
}

// TableName はテーブル名を固定します。
func (ProcessingHistory) TableName() string { return "processing_history" }

// Result は文字起こし結果の保存行です。
type Result struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	JobRef           uint      `gorm:"column:job_ref;uniqueIndex;not null"` // jobs.ID への参照
	TranscriptText   string    `gorm:"type:text"`
	ConfidenceScore  float64   `gorm:"not null;default:0"`
	LanguageDetected string    `gorm:"size:10"`
	WordCount        int       `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
}

// TableName はテーブル名を固定します。
func (Result) TableName() string { return "job_results" }

// ResultSegment は文字起こし結果の1区間です。話者分離とタイムライン表示に使います。
type ResultSegment struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobRef       uint    `gorm:"column:job_ref;index;not null" json:"-"`
	SegmentOrder int     `gorm:"not null" json:"order"`
	StartTime    float64 `gorm:"not null;default:0" json:"startTime"`
	EndTime      float64 `gorm:"not null;default:0" json:"endTime"`
	Text         string  `gorm:"type:text" json:"text"`
	Confidence   float64 `gorm:"not null;default:0" json:"confidence"`
	SpeakerTag   string  `gorm:"size:20" json:"speakerTag,omitempty"`
}

// TableName はテーブル名を固定します。
func (ResultSegment) TableName() string { return "result_segments" }

// Snapshot はクライアントへ返すジョブ状態のスナップショットです。
type Snapshot struct {
	JobID               string     `json:"jobId"`
	Filename            string     `json:"filename"`
	FileSize            int64      `json:"fileSize"`
	FileFormat          string     `json:"fileFormat"`
	Status              Status     `json:"status"`
	Progress            int        `json:"progress"`
	Phase               string     `json:"phase,omitempty"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	QueuePosition       *int       `json:"queuePosition,omitempty"`
	CanCancel           bool       `json:"canCancel"`
	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ExpiresAt           time.Time  `json:"expiresAt"`
}

// NewSnapshot は Job から Snapshot を作ります。完了予測は呼び出し側が埋めます。
func NewSnapshot(job *Job) *Snapshot {
	return &Snapshot{
		JobID:         job.JobID,
		Filename:      job.OriginalFilename,
		FileSize:      job.FileSize,
		FileFormat:    job.FileFormat,
		Status:        job.Status,
		Progress:      job.Progress,
		Phase:         job.Phase,
		ErrorMessage:  job.ErrorMessage,
		QueuePosition: job.QueuePosition,
		CanCancel:     job.CanCancel,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		ExpiresAt:     job.ExpiresAt,
	}
}

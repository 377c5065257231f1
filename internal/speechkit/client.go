// Package speechkit は音声認識プロバイダーのAPIクライアントです。
//
// 短い音声は同期APIで即時に結果を受け取り、長い音声は非同期APIで
// オペレーションIDを受け取ってポーリングします。ポーリング間隔は
// 5秒から1.2倍ずつ伸ばし、30秒で頭打ちにします。
package speechkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	defaultSyncEndpoint      = "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize"
	defaultAsyncEndpoint     = "https://transcribe.api.cloud.yandex.net/speech/stt/v2/longRunningRecognize"
	defaultOperationEndpoint = "https://operation.api.cloud.yandex.net/operations"

	pollInitialInterval = 5 * time.Second
	pollMaxInterval     = 30 * time.Second
	pollGrowthFactor    = 1.2
)

// RecognitionConfig は認識リクエストの設定です。
type RecognitionConfig struct {
	Language          string `json:"languageCode"`
	Model             string `json:"model"`
	SampleRateHertz   int    `json:"sampleRateHertz"`
	EnableDiarization bool   `json:"enableSpeakerDiarization"`
}

// DefaultConfig は推奨のデフォルト設定を返します。
func DefaultConfig() RecognitionConfig {
	return RecognitionConfig{
		Language:          "auto",
		Model:             "general",
		SampleRateHertz:   16000,
		EnableDiarization: true,
	}
}

// Segment は文字起こし結果の1区間です。
type Segment struct {
	Order      int     `json:"order"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SpeakerTag string  `json:"speakerTag,omitempty"`
}

// Result は整形済みの文字起こし結果です。
type Result struct {
	Transcript       string    `json:"transcript"`
	Segments         []Segment `json:"segments"`
	Speakers         []string  `json:"speakers"`
	Confidence       float64   `json:"confidence"`
	LanguageDetected string    `json:"languageDetected"`
}

// WordCount は文字起こし全体の単語数を返します。
func (r *Result) WordCount() int {
	return len(strings.Fields(r.Transcript))
}

// ClientConfig は Client の構築設定です。エンドポイントはテスト時のみ上書きします。
type ClientConfig struct {
	APIKey            string
	FolderID          string
	HTTPClient        *http.Client
	Logger            *log.Logger
	SyncEndpoint      string
	AsyncEndpoint     string
	OperationEndpoint string
}

// Client は音声認識プロバイダーのHTTPクライアントです。
type Client struct {
	apiKey       string
	folderID     string
	httpClient   *http.Client
	logger       *log.Logger
	syncURL      string
	asyncURL     string
	operationURL string

	// ポーリング間隔。テストでは短縮されます。
	pollInterval    time.Duration
	pollMaxInterval time.Duration
}

// NewClient はクライアントを作成し、その場で認証情報を検証します。
// APIキー不正は AuthError、フォルダーID・権限不正は PermissionError を返します。
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &AuthError{Message: "api key is required"}
	}
	if cfg.FolderID == "" {
		return nil, &PermissionError{Message: "folder id is required"}
	}

	client := &Client{
		apiKey:       cfg.APIKey,
		folderID:     cfg.FolderID,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
		syncURL:      cfg.SyncEndpoint,
		asyncURL:     cfg.AsyncEndpoint,
		operationURL: cfg.OperationEndpoint,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if client.logger == nil {
		client.logger = log.Default()
	}
	if client.syncURL == "" {
		client.syncURL = defaultSyncEndpoint
	}
	if client.asyncURL == "" {
		client.asyncURL = defaultAsyncEndpoint
	}
	if client.operationURL == "" {
		client.operationURL = defaultOperationEndpoint
	}
	client.pollInterval = pollInitialInterval
	client.pollMaxInterval = pollMaxInterval

	if err := client.validateCredentials(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// validateCredentials はオペレーション一覧の取得で認証情報を確認します。
func (c *Client) validateCredentials(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s?folderId=%s", c.operationURL, url.QueryEscape(c.folderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{StatusCode: 0, Message: fmt.Sprintf("failed to validate credentials: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, parseErrorBody(resp))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	req.Header.Set("User-Agent", "voice-scribe/1.0")
}

// RecognizeSync は短い音声を同期APIで文字起こしします。
func (c *Client) RecognizeSync(ctx context.Context, audio []byte, cfg RecognitionConfig) (*Result, error) {
	params := url.Values{}
	params.Set("folderId", c.folderID)
	params.Set("lang", cfg.Language)
	params.Set("model", cfg.Model)
	params.Set("format", "lpcm")
	params.Set("sampleRateHertz", fmt.Sprintf("%d", cfg.SampleRateHertz))

	endpoint := c.syncURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Message: fmt.Sprintf("api request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, parseErrorBody(resp))
	}

	var payload recognitionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response format: %v", err)}
	}
	result := formatResult(payload.Chunks)
	result.LanguageDetected = cfg.Language
	return result, nil
}

// StartLongRunning は長い音声の非同期認識を開始し、オペレーションIDを返します。
func (c *Client) StartLongRunning(ctx context.Context, audio []byte, cfg RecognitionConfig) (string, error) {
	requestConfig := map[string]any{
		"folderId":      c.folderID,
		"specification": cfg,
	}
	configJSON, err := json.Marshal(requestConfig)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("config", string(configJSON)); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("data", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.asyncURL, &body)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{StatusCode: 0, Message: fmt.Sprintf("api request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, parseErrorBody(resp))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response format: %v", err)}
	}
	if payload.ID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "no operation id returned"}
	}

	c.logger.Printf("speechkit: started async recognition, operation=%s", payload.ID)
	return payload.ID, nil
}

// Operation は非同期オペレーションの状態です。
type Operation struct {
	ID       string          `json:"id"`
	Done     bool            `json:"done"`
	Error    *operationError `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OperationStatus はオペレーションの現在状態を取得します。
func (c *Client) OperationStatus(ctx context.Context, operationID string) (*Operation, error) {
	endpoint := fmt.Sprintf("%s/%s", c.operationURL, url.PathEscape(operationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Message: fmt.Sprintf("operation status request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, parseErrorBody(resp))
	}

	var op Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid operation status: %v", err)}
	}
	return &op, nil
}

// WaitForCompletion はオペレーションの完了を待ちます。
// budget を超えた場合は OperationTimeoutError を返します。
// onPoll はポーリングごとに呼ばれます（進捗表示用、nil可）。
func (c *Client) WaitForCompletion(ctx context.Context, operationID string, budget time.Duration, onPoll func()) (*Result, error) {
	deadline := time.Now().Add(budget)
	interval := c.pollInterval

	for time.Now().Before(deadline) {
		op, err := c.OperationStatus(ctx, operationID)
		if err != nil {
			// 認証系は即座に返し、それ以外は次のポーリングに賭ける
			switch err.(type) {
			case *AuthError, *PermissionError:
				return nil, err
			}
			c.logger.Printf("speechkit: operation status check failed: %v", err)
		} else if op.Done {
			if op.Error != nil {
				return nil, &APIError{StatusCode: op.Error.Code, Message: op.Error.Message}
			}
			var payload recognitionResponse
			if len(op.Response) > 0 {
				if err := json.Unmarshal(op.Response, &payload); err != nil {
					return nil, &APIError{StatusCode: 0, Message: fmt.Sprintf("invalid operation response: %v", err)}
				}
			}
			return formatResult(payload.Chunks), nil
		}

		if onPoll != nil {
			onPoll()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * pollGrowthFactor)
		if interval > c.pollMaxInterval {
			interval = c.pollMaxInterval
		}
	}

	return nil, &OperationTimeoutError{OperationID: operationID, Budget: budget}
}

type recognitionResponse struct {
	Chunks []chunk `json:"chunks"`
}

type chunk struct {
	Alternatives []alternative `json:"alternatives"`
	ChannelTag   string        `json:"channelTag"`
	SpeakerTag   string        `json:"speakerTag"`
}

type alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type word struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// formatResult はAPIのチャンク列を整形済みの結果へ変換します。
func formatResult(chunks []chunk) *Result {
	result := &Result{}
	speakers := make(map[string]struct{})

	var parts []string
	var confidenceSum float64

	for i, ch := range chunks {
		if len(ch.Alternatives) == 0 {
			continue
		}
		best := ch.Alternatives[0]
		parts = append(parts, best.Text)
		confidenceSum += best.Confidence

		segment := Segment{
			Order:      i + 1,
			Text:       best.Text,
			Confidence: best.Confidence,
			SpeakerTag: ch.SpeakerTag,
		}
		if len(best.Words) > 0 {
			segment.StartTime = parseAPISeconds(best.Words[0].StartTime)
			segment.EndTime = parseAPISeconds(best.Words[len(best.Words)-1].EndTime)
		}
		result.Segments = append(result.Segments, segment)

		if ch.SpeakerTag != "" {
			speakers[ch.SpeakerTag] = struct{}{}
		}
	}

	result.Transcript = strings.Join(parts, " ")
	if len(result.Segments) > 0 {
		result.Confidence = confidenceSum / float64(len(result.Segments))
	}
	for tag := range speakers {
		result.Speakers = append(result.Speakers, tag)
	}
	sort.Strings(result.Speakers)
	return result
}

// parseAPISeconds は "12.340s" 形式の秒数表現を float64 にします。
func parseAPISeconds(value string) float64 {
	value = strings.TrimSuffix(value, "s")
	var seconds float64
	_, _ = fmt.Sscanf(value, "%f", &seconds)
	return seconds
}

// parseErrorBody はエラーレスポンスから人間向けメッセージを取り出します。
func parseErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

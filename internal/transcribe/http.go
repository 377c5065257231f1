package transcribe

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/voice-scribe/internal/jobs"
)

// UploadHandler は POST /api/v1/upload のハンドラーを返します。
// 受付に成功するとジョブは非同期処理へ進むため 202 を返します。
func UploadHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で音声ファイルを送信してください。",
			})
			return
		}

		opts := UploadOptions{
			Language: strings.TrimSpace(c.PostForm("language")),
			Model:    strings.TrimSpace(c.PostForm("model")),
		}
		if raw := c.PostForm("enable_diarization"); raw != "" {
			enabled, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "enable_diarization は true / false で指定してください。",
				})
				return
			}
			opts.EnableDiarization = &enabled
		}
		if raw := c.PostForm("duration"); raw != "" {
			seconds, err := strconv.ParseFloat(raw, 64)
			if err != nil || seconds < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "duration は秒数で指定してください。",
				})
				return
			}
			opts.Duration = &seconds
		}

		snapshot, err := svc.CreateFromUpload(c.Request.Context(), header, opts)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, snapshot)
	}
}

// JobStatusHandler は GET /api/v1/jobs/:id のハンドラーを返します。
func JobStatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		snapshot, err := svc.Snapshot(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if snapshot == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, snapshot)
	}
}

// JobResultHandler は GET /api/v1/jobs/:id/result のハンドラーを返します。
func JobResultHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		snapshot, result, segments, err := svc.Result(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if snapshot == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if segments == nil {
			segments = []jobs.ResultSegment{}
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":            snapshot.JobID,
			"filename":         snapshot.Filename,
			"transcript":       result.TranscriptText,
			"confidence":       result.ConfidenceScore,
			"languageDetected": result.LanguageDetected,
			"wordCount":        result.WordCount,
			"segments":         segments,
			"completedAt":      snapshot.CompletedAt,
		})
	}
}

// CancelJobHandler は POST /api/v1/jobs/:id/cancel のハンドラーを返します。
func CancelJobHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		snapshot, err := svc.RequestCancel(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, snapshot)
	}
}

// ListJobsHandler は GET /api/v1/jobs のハンドラーを返します。
func ListJobsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		status := jobs.Status(strings.TrimSpace(c.Query("status")))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "status の値が不正です。",
			})
			return
		}

		snapshots, total, err := svc.List(c.Request.Context(), limit, offset, status)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobs":  snapshots,
			"total": total,
		})
	}
}

// respondWithError はサービス層のエラーをHTTPレスポンスへ変換します。
func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "UNSUPPORTED_FORMAT":
		return http.StatusUnsupportedMediaType
	case "JOB_NOT_FOUND":
		return http.StatusNotFound
	case "CANNOT_CANCEL", "JOB_NOT_COMPLETED":
		return http.StatusConflict
	case "RESULT_NOT_FOUND":
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

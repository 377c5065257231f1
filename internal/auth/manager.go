// Package auth はシングルユーザー向けのセッション認証を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/voice-scribe/internal/config"
)

const (
	// SessionCookieName はセッションクッキーの名前です。
	SessionCookieName = "vs_session"

	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

const (
	sessionLifetime  = 12 * time.Hour
	idleTimeout      = 30 * time.Minute
	failureWindow    = 15 * time.Minute
	lockoutDuration  = 10 * time.Minute
	maxLoginFailures = 5
)

// ContextUserKey はログイン済みユーザー名をハンドラー間で共有するキーです。
const ContextUserKey = "auth.user"

// SessionStore はセッション用のクッキーストアを作成します。
func SessionStore(secret string) sessions.Store {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

// failureRecord はIPごとのログイン失敗の記録です。
type failureRecord struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// Manager はログイン処理とログイン試行の制限を管理します。
type Manager struct {
	cfg *config.Config

	mu       sync.Mutex
	failures map[string]*failureRecord

	// テストで時刻を固定するために差し替えます。
	now func() time.Time
}

// NewManager は Manager を作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		failures: make(map[string]*failureRecord),
		now:      time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /auth/login のハンドラーです。
// 成功するとセッションを発行し、CSRFトークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください。",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if wait := m.lockRemaining(ip); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "ログイン試行が多すぎます。しばらく待ってから再度お試しください。",
		})
		return
	}

	if req.Username != m.cfg.AppUsername || !m.verifyPassword(req.Password) {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません。",
			"remainingAttempts": remaining,
		})
		return
	}
	m.clearFailures(ip)

	token, err := newCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRFトークンの生成に失敗しました。",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました。",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました。",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

// lockRemaining はロックアウト解除までの残り時間を返します。ロック中でなければ 0 です。
func (m *Manager) lockRemaining(ip string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.failures[ip]
	if !ok {
		return 0
	}
	if remain := record.lockedUntil.Sub(m.now()); remain > 0 {
		return remain
	}
	return 0
}

// recordFailure は失敗を記録し、残り試行回数を返します。上限に達するとロックします。
func (m *Manager) recordFailure(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	record, ok := m.failures[ip]
	if !ok || now.Sub(record.windowStart) > failureWindow {
		record = &failureRecord{windowStart: now}
		m.failures[ip] = record
	}

	record.count++
	if record.count >= maxLoginFailures {
		record.count = maxLoginFailures
		record.lockedUntil = now.Add(lockoutDuration)
	}
	return maxLoginFailures - record.count
}

func (m *Manager) clearFailures(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, ip)
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

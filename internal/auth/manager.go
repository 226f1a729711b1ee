// Package auth は解析サービスの資格情報をセッションで保持し、保護対象ルートを検証します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	SessionCookieName    = "ci_session"
	sessionKeyUser       = "auth_user"
	sessionKeyToken      = "access_token"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"
	SessionKeyQueue      = "queue_id"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ハンドラー間で共有するコンテキストキーです。
const (
	ContextUserKey       = "auth.user"
	contextCredentialKey = "auth.credential"
	contextViaHeaderKey  = "auth.viaHeader"
)

// Authenticator はメールアドレスとパスワードをアクセストークンに交換します。
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	authenticator Authenticator
	logger        *zap.Logger
	lock          sync.Mutex
	attempts      map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(authenticator Authenticator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		authenticator: authenticator,
		logger:        logger,
		attempts:      make(map[string]*attemptState),
	}
}

// Credential はミドルウェアが検証した資格情報を返します。
func Credential(c *gin.Context) string {
	return c.GetString(contextCredentialKey)
}

// Expire はセッションに保存された資格情報を破棄します。
// 解析サービスが資格情報を拒否した場合に呼び出し、再認証を促します。
func Expire(c *gin.Context) {
	if c.GetBool(contextViaHeaderKey) {
		return
	}
	session := sessions.Default(c)
	session.Delete(sessionKeyToken)
	_ = session.Save()
}

// startSession は資格情報をセッションに保存し、新しい CSRF トークンを発行します。
func startSession(c *gin.Context, user, token string) (string, error) {
	csrf, err := generateToken()
	if err != nil {
		return "", err
	}

	session := sessions.Default(c)
	queueID, _ := session.Get(SessionKeyQueue).(string)
	session.Clear()
	now := time.Now()
	session.Set(sessionKeyUser, user)
	session.Set(sessionKeyToken, token)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, csrf)
	if queueID != "" {
		// 再ログインしてもキューは引き継ぐ
		session.Set(SessionKeyQueue, queueID)
	}
	if err := session.Save(); err != nil {
		return "", err
	}
	return csrf, nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

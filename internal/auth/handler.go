package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/intake"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
	User  string `json:"user"`
}

// Login は /auth/login のハンドラーです。解析サービスでログインし、トークンをセッションに保存します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}

	if m.authenticator == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": "認証サービスが設定されていません",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	token, err := m.authenticator.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var authErr *intake.AuthError
		if errors.As(err, &authErr) {
			remaining := m.recordFailure(ip)
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_CREDENTIALS",
				"message":           "メールアドレスまたはパスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}
		m.logger.Warn("login request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "UPSTREAM_UNAVAILABLE",
			"message": "認証サービスに接続できませんでした",
		})
		return
	}

	m.resetAttempts(ip)
	m.finishLogin(c, req.Email, token)
}

// SetToken は POST /auth/session のハンドラーです。外部で取得したトークンをセッションに保存します。
func (m *Manager) SetToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "token を JSON で送ってください",
		})
		return
	}
	m.finishLogin(c, req.User, strings.TrimSpace(req.Token))
}

func (m *Manager) finishLogin(c *gin.Context, user, token string) {
	csrf, err := startSession(c, user, token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}
	c.Header(csrfHeader, csrf)
	c.Status(http.StatusNoContent)
}

// Session は GET /auth/session のハンドラーです。再読み込み後のクライアントに CSRF トークンを返します。
func (m *Manager) Session(c *gin.Context) {
	session := sessions.Default(c)
	token, _ := session.Get(sessionKeyToken).(string)
	user, _ := session.Get(sessionKeyUser).(string)
	if csrf, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		c.Header(csrfHeader, csrf)
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": token != "",
		"user":          user,
	})
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

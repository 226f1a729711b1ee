// Package logging は zap ロガーの生成と gin 用のリクエストログ/リカバリーミドルウェアを提供します。
package logging

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TraceHeader     = "X-Trace-ID"
	contextTraceKey = "trace_id"
)

// New は Gin のモードに合わせたロガーを作成します。release では JSON、それ以外は開発用の出力です。
func New(mode string) (*zap.Logger, error) {
	switch mode {
	case gin.ReleaseMode:
		return zap.NewProduction()
	case gin.TestMode:
		return zap.NewNop(), nil
	default:
		return zap.NewDevelopment()
	}
}

// TraceID はリクエストごとのトレース ID を払い出します。
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(contextTraceKey, traceID)
		c.Header(TraceHeader, traceID)
		c.Next()
	}
}

// GetTraceID はコンテキストに保存されたトレース ID を返します。
func GetTraceID(c *gin.Context) string {
	return c.GetString(contextTraceKey)
}

// Requests はリクエストの開始と完了を記録します。
func Requests(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("trace_id", GetTraceID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			return
		}
		logger.Info("request completed", fields...)
	}
}

// Recovery は panic を記録して 500 を返します。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				traceID := GetTraceID(c)
				logger.Error("panic recovered",
					zap.String("trace_id", traceID),
					zap.Any("error", err),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "サーバー内部でエラーが発生しました。",
					"traceId": traceID,
				})
			}
		}()
		c.Next()
	}
}

package httpmiddleware

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/amodvardhan/INDMoneyPlus/libs/logging"
	"github.com/amodvardhan/INDMoneyPlus/libs/metrics"
	"github.com/amodvardhan/INDMoneyPlus/libs/trace"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDHeader, reqID)
		c.Header(RequestIDHeader, reqID)
		c.Next()
	}
}

func RequestIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(RequestIDHeader); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Logger attaches a request-scoped logger to the request context and emits one
// access line per request. m may be nil.
func Logger(logger *slog.Logger, m *metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With(slog.String("request_id", RequestIDFromContext(c)))
		c.Request = c.Request.WithContext(logging.WithContext(c.Request.Context(), reqLogger))

		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		reqLogger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.String("trace_id", trace.TraceID(c.Request.Context())),
		)

		if m != nil {
			code := strconv.Itoa(status)
			m.RequestCount.WithLabelValues(c.Request.Method, path, code).Inc()
			m.RequestDuration.WithLabelValues(c.Request.Method, path, code).Observe(latency.Seconds())
		}
	}
}

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", RequestIDFromContext(c)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "internal error"})
			}
		}()
		c.Next()
	}
}

package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	commonlog "photo_server/server/common/log"
)

const (
	HeaderRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// RequestID keeps a caller supplied X-Request-ID or assigns a new one, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

// AccessLog writes one line per request once the handler returns. Streaming
// answers are logged when the stream ends.
func AccessLog(skipPaths ...string) gin.HandlerFunc {
	skip := map[string]struct{}{}
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if _, ok := skip[c.FullPath()]; ok {
			return
		}
		status := c.Writer.Status()
		line := "event=http_request request_id=%s method=%s route=%s status=%d bytes=%d duration_ms=%d"
		args := []any{GetRequestID(c), c.Request.Method, c.FullPath(), status, c.Writer.Size(), time.Since(start).Milliseconds()}
		switch {
		case status >= 500:
			commonlog.Errorf(line, args...)
		case status >= 400:
			commonlog.Warnf(line, args...)
		default:
			commonlog.Infof(line, args...)
		}
	}
}

package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const classListCacheKey = "studio:classes:upcoming"

// bodyCapture forwards the response to the client while keeping a copy
// for the cache.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (capture *bodyCapture) Write(data []byte) (int, error) {
	capture.buf.Write(data)
	return capture.ResponseWriter.Write(data)
}

// classListCache serves the class list from redis when fresh. The class
// list is the hottest read and tolerates short staleness; bookings and
// wallets are never cached. A nil client disables caching.
func classListCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if client == nil {
		return func(ctx *gin.Context) { ctx.Next() }
	}
	return func(ctx *gin.Context) {
		cached, err := client.Get(ctx.Request.Context(), classListCacheKey).Bytes()
		if err == nil && len(cached) > 0 {
			ctx.Header("X-Cache", "HIT")
			ctx.Data(http.StatusOK, "application/json; charset=utf-8", cached)
			ctx.Abort()
			return
		}
		if err != nil && err != redis.Nil {
			logger.Warn("class list cache read failed", zap.Error(err))
		}

		capture := &bodyCapture{ResponseWriter: ctx.Writer}
		ctx.Writer = capture
		ctx.Header("X-Cache", "MISS")
		ctx.Next()

		if ctx.Writer.Status() != http.StatusOK {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := client.SetEx(writeCtx, classListCacheKey, capture.buf.Bytes(), ttl).Err(); err != nil {
			logger.Warn("class list cache write failed", zap.Error(err))
		}
	}
}

// invalidateClassListCache drops the cached class list after a write that
// changes it.
func invalidateClassListCache(ctx context.Context, client *redis.Client, logger *zap.Logger) {
	if client == nil {
		return
	}
	if err := client.Del(ctx, classListCacheKey).Err(); err != nil {
		logger.Warn("class list cache invalidation failed", zap.Error(err))
	}
}

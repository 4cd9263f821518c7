package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/labyarderrors"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// requestID reuses the caller's X-Request-ID or generates one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			requestIDKey: c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("api: request failed")
		default:
			entry.Debug("api: request")
		}
	}
}

// writeError maps err onto the error taxonomy and writes it as JSON.
func writeError(c *gin.Context, err error) {
	status := labyarderrors.HTTPStatus(err)
	kind := labyarderrors.Kind(err)
	body := gin.H{"error": err.Error(), "kind": kind}
	var capErr *labyarderrors.ErrInsufficientCapacity
	if errors.As(err, &capErr) {
		body["hint"] = "try another pool or try later"
	}
	if status >= http.StatusInternalServerError {
		log.WithField(requestIDKey, c.GetString(requestIDKey)).WithError(err).Error("api: internal error")
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest reports a body or query that could not be decoded.
func badRequest(c *gin.Context, field string, err error) {
	writeError(c, labyarderrors.Invalid(field, "", err.Error()))
}

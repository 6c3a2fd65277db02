package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyHijacked is the key used to mark a connection as hijacked in Gin's context.
// WebSocket handlers should call MarkHijacked(c) after upgrading the connection.
const ContextKeyHijacked = "connection_hijacked"

// MarkHijacked marks the connection as hijacked in Gin's context.
// Call this in WebSocket handlers so middleware never writes to the
// hijacked connection (Go's net/http has no Hijacked() accessor,
// see golang/go#16456).
func MarkHijacked(c *gin.Context) {
	c.Set(ContextKeyHijacked, true)
}

// IsHijacked checks if the connection has been marked as hijacked.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(ContextKeyHijacked)
	return exists && hijacked.(bool)
}

// GinLogger returns a Gin middleware that logs requests using zerolog
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Skip logging for hijacked connections (WebSocket upgrades).
		// Touching c.Writer.Status() after a hijack makes Gin call
		// WriteHeaderNow() on the dead connection.
		if IsHijacked(c) {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		method := c.Request.Method
		clientIP := c.ClientIP()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if raw != "" {
			path = path + "?" + raw
		}

		// Log based on status code
		event := Info()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", clientIP)

		if errorMessage != "" {
			event.Str("error", errorMessage)
		}

		event.Msg("request")
	}
}

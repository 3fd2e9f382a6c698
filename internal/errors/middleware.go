package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const RequestIDHeader = "X-Request-ID"

// Err aborts the request with the status and message carried by err.
func Err(c *gin.Context, err error) {
	code := GetCode(err)
	var appErr *Error
	message := err.Error()
	if As(err, &appErr) {
		message = appErr.Message
	}
	if code >= http.StatusInternalServerError {
		log.Err(err).Str("path", c.Request.URL.Path).Str("request_id", c.GetString(RequestIDHeader)).Msg("request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

// RecoveryMiddleware turns panics into 500 responses.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("path", c.Request.URL.Path).Bytes("stack", debug.Stack()).Msgf("panic recovered: %v", r)
				Err(c, New(fmt.Errorf("%v", r), http.StatusInternalServerError, "internal server error"))
			}
		}()
		c.Next()
	}
}

// ErrorHandlerMiddleware writes errors that handlers attached without responding.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		Err(c, c.Errors.Last().Err)
	}
}

// RequestIDMiddleware propagates the caller's request id or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

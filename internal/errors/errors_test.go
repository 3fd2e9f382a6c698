package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGetCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, GetCode(nil))
	assert.Equal(t, http.StatusInternalServerError, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, http.StatusNotFound, GetCode(fmt.Errorf("wrapped: %w", ErrShardNotFound)))
	assert.Equal(t, http.StatusBadRequest, GetCode(InvalidArg("limit")))
}

func TestWrapKeepsCode(t *testing.T) {
	err := Wrap(MessageNotFound("k#1"), "resolve", 0)
	assert.Equal(t, http.StatusNotFound, err.Code)
	assert.True(t, Is(err, err.Cause))
	assert.Nil(t, Wrap(nil, "x", 0))
	assert.Equal(t, http.StatusInternalServerError, Wrap(fmt.Errorf("x"), "y", 0).Code)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware(), ErrorHandlerMiddleware(), RequestIDMiddleware())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/missing", func(c *gin.Context) { Err(c, MessageNotFound("k#9")) })
	r.GET("/attached", func(c *gin.Context) { _ = c.Error(InvalidArg("q")) })
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "message not found: k#9")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/attached", nil)
	req.Header.Set(RequestIDHeader, "abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type staticAuth struct {
	tokens map[string][2]string
}

func (a staticAuth) ParseAuthContext(token string) (string, string, error) {
	v, ok := a.tokens[token]
	if !ok {
		return "", "", errors.New("invalid")
	}
	return v[0], v[1], nil
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth := staticAuth{tokens: map[string][2]string{"good": {"alice", "user"}, "root": {"root", "admin"}}}
	r.GET("/me", AuthRequired(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	})
	r.GET("/admin", AuthRequired(auth), RequireRoles("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func serve(r *gin.Engine, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/me", "Bearer nope").Code)

	rec := serve(r, "/me", "Bearer good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestRequireRoles(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusForbidden, serve(r, "/admin", "Bearer good").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/admin", "Bearer root").Code)
}

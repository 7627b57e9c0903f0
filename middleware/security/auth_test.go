package security

import (
	"PPSync/tools/security"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	opts := DefaultOptions([]byte("secret"))
	opts.RequiredScope = "broadcast"

	r := gin.New()
	r.POST("/api/broadcast", Middleware(opts), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(PPCtxSubjectKey))
	})

	good, _, err := security.Generate(opts.JWT, "persistence-svc", []string{"broadcast"})
	assert.Equal(t, err, nil)
	noScope, _, err := security.Generate(opts.JWT, "persistence-svc", nil)
	assert.Equal(t, err, nil)

	cases := []struct {
		header string
		want   int
	}{
		{"Bearer " + good, http.StatusOK},
		{"bearer " + good, http.StatusOK},
		{"", http.StatusUnauthorized},
		{"Bearer not-a-jwt", http.StatusUnauthorized},
		{"Bearer " + noScope, http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/broadcast", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, w.Code, tc.want)
		if tc.want == http.StatusOK {
			assert.Equal(t, w.Body.String(), "persistence-svc")
		}
	}
}

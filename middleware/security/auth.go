package security

import (
	"PPSync/tools/errs"
	"PPSync/tools/security"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PPCtxSubjectKey holds the verified "sub" claim for later handlers.
const PPCtxSubjectKey = "authSubject"

type Options struct {
	JWT           security.Options
	HeaderToken   string // read before Authorization, default "authorization"
	RequiredScope string // empty => any valid token
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:         security.DefaultOptions(secret),
		HeaderToken: "authorization",
	}
}

// Middleware accepts "Authorization: Bearer <jwt>" or the raw token in HeaderToken.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" && opts.HeaderToken != "" {
			token = strings.TrimSpace(c.GetHeader(opts.HeaderToken))
			token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail("missing token"))
			return
		}

		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(err.Error()))
			return
		}
		if opts.RequiredScope != "" && !claims.HasScope(opts.RequiredScope) {
			c.AbortWithStatusJSON(http.StatusForbidden, errs.ErrUnauthorized.WithDetail("scope "+opts.RequiredScope+" required"))
			return
		}

		c.Set(PPCtxSubjectKey, claims.Subject())
		c.Next()
	}
}

func bearer(authz string) string {
	authz = strings.TrimSpace(authz)
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

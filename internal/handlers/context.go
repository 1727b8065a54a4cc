package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// organizationScope resolves the tenant for an org-scoped endpoint. Root
// principals without an organization claim may select one with the org query
// parameter; everyone else is pinned to the claim. When no scope can be
// resolved an error response is written and false returned.
func organizationScope(c *gin.Context) (string, bool) {
	orgID := middleware.OrganizationID(c)
	if orgID == "" {
		orgID = strings.TrimSpace(c.Query("org"))
	}
	if orgID == "" {
		response.Error(c, apperrors.NewBadRequest("organization scope required"))
		return "", false
	}
	return orgID, true
}

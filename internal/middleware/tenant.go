package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// Tenant verifies that the organization carried by the access token still
// exists and is active, and refreshes the context value from storage. Users
// without an organization claim (root accounts) pass through untouched.
func Tenant(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := OrganizationID(c)
		if orgID == "" {
			c.Next()
			return
		}

		var org models.Organization
		err := db.WithContext(c.Request.Context()).
			Select("id", "is_active").
			Take(&org, "id = ?", orgID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if err != nil {
			response.Error(c, apperrors.ErrInternalServer)
			c.Abort()
			return
		}
		if !org.IsActive {
			response.Error(c, apperrors.ErrOrgSuspended)
			c.Abort()
			return
		}

		c.Set(CtxOrganizationKey, org.ID)
		c.Next()
	}
}

// OrganizationID returns the tenant scope of the current request, or an
// empty string for orgless principals.
func OrganizationID(c *gin.Context) string {
	v, ok := c.Get(CtxOrganizationKey)
	if !ok {
		return ""
	}
	orgID, _ := v.(string)
	return orgID
}

package middleware

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
)

// EnsureOrg runs after Auth. It upserts the token's organization so task
// and endpoint FK constraints are always satisfied. The webhook secret is
// generated here but only persists on first insert; later upserts return
// the stored row untouched.
func EnsureOrg(repo repository.OrganizationRepository, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetString("orgID")

		secret := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			logger.ErrorContext(c.Request.Context(), "generate webhook secret", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "Internal server error"})
			return
		}

		_, err := repo.Upsert(c.Request.Context(), &domain.Organization{
			ID:            orgID,
			Name:          orgID,
			Tier:          domain.TierFree,
			WebhookSecret: secret,
		})
		if err != nil {
			logger.ErrorContext(c.Request.Context(), "ensure organization upsert", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "Internal server error"})
			return
		}
		c.Next()
	}
}

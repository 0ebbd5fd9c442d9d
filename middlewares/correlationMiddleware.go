package middlewares

import (
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const CorrelationIdHeader = "X-Correlation-ID"

// CorrelationMiddleware generates a correlation id once per request and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(CorrelationIdHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(CorrelationIdHeader, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

package apicommon

import (
	"github.com/gin-gonic/gin"
)

// Config configures the release API.
type Config struct {
	// Root holds one <organization>/<app> directory per application.
	Root string
}

// RespondWithError sends an error reply to the client.
func RespondWithError(c *gin.Context, statusCode int, err error, errorContext string) {
	c.JSON(statusCode, APIError{
		InnerError: APIErrorInner{
			Code:         statusCode,
			Message:      err.Error(),
			ErrorContext: errorContext,
		},
	})
}

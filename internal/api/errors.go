package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentgate/internal/supervisor"
)

var (
	ErrCapacity = errors.New("session capacity reached")

	ErrInvalidRequest = errors.New("invalid request")
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

// mapLoginError classifies a login failure without leaking the submitted
// credential or internal paths. Provision failures surface as a generic
// retryable message.
func mapLoginError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCapacity):
		respondError(c, http.StatusServiceUnavailable, ErrCapacity)
	case errors.Is(err, supervisor.ErrProvision):
		respondError(c, http.StatusBadGateway, errors.New("could not start session"))
	default:
		respondError(c, http.StatusBadRequest, ErrInvalidRequest)
	}
}

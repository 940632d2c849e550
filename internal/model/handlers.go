package model

import (
	"errors"

	"github.com/Bokuhoggie/PhantomEx/pkg/response"
	"github.com/gin-gonic/gin"
)

// GinHandlers contains HTTP handlers for model backend endpoints
type GinHandlers struct {
	client *OllamaClient
}

// NewGinHandlers creates a new set of HTTP handlers for model endpoints
func NewGinHandlers(client *OllamaClient) *GinHandlers {
	return &GinHandlers{
		client: client,
	}
}

// ListModelsHandler handles GET requests for the models available on the
// backend, so agents are deployed against models that actually exist
func (h *GinHandlers) ListModelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := h.client.ListModels(c.Request.Context())
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				response.ServiceUnavailable(c, "Model backend unreachable")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"models": names})
	}
}

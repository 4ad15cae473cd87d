package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

type CollectionLister interface {
	ListCollections(ctx context.Context) ([]vector.CollectionStats, error)
}

type SessionCounter interface {
	Count() int
}

type HealthHandler struct {
	collections CollectionLister
	sessions    SessionCounter
	provider    string
}

func NewHealthHandler(collections CollectionLister, sessions SessionCounter, provider string) *HealthHandler {
	return &HealthHandler{collections: collections, sessions: sessions, provider: provider}
}

// Health reports the indexed collections. The vector backend being
// unreachable makes the service unhealthy.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	collections, err := h.collections.ListCollections(c.UserContext())
	if err != nil {
		logger.Warn("Health check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":         "unhealthy",
			"error":          err.Error(),
			"llm_provider":   h.provider,
			"total_sessions": h.sessions.Count(),
		})
	}

	documents := 0
	for _, col := range collections {
		documents += col.Count
	}

	return c.JSON(fiber.Map{
		"status":          "healthy",
		"time":            time.Now().Unix(),
		"llm_provider":    h.provider,
		"collections":     nonNil(collections),
		"total_documents": documents,
		"retriever_ready": documents > 0,
		"total_sessions":  h.sessions.Count(),
	})
}

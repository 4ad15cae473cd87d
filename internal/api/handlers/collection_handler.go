package handlers

import (
	"context"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,63}$`)

type CollectionIndexer interface {
	IndexCollection(ctx context.Context, docs []story.StoryDocument, collection string) (bool, error)
	ListCollections(ctx context.Context) ([]vector.CollectionStats, error)
}

type CollectionHandler struct {
	indexer CollectionIndexer
}

func NewCollectionHandler(indexer CollectionIndexer) *CollectionHandler {
	return &CollectionHandler{indexer: indexer}
}

func (h *CollectionHandler) List(c *fiber.Ctx) error {
	collections, err := h.indexer.ListCollections(c.UserContext())
	if err != nil {
		logger.Error("Failed to list collections", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list collections",
		})
	}

	return c.JSON(fiber.Map{
		"collections": nonNil(collections),
	})
}

// Index adds the posted documents to the named collection. Documents with
// an id already in the collection are replaced.
func (h *CollectionHandler) Index(c *fiber.Ctx) error {
	name := c.Params("name")
	if !collectionNamePattern.MatchString(name) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid collection name",
		})
	}

	var req IndexRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	indexed, err := h.indexer.IndexCollection(c.UserContext(), req.Documents, name)
	if err != nil {
		logger.Error("Failed to index collection", zap.String("collection", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to index documents",
		})
	}
	if !indexed {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":      "No valid documents to index",
			"collection": name,
		})
	}

	return c.JSON(fiber.Map{
		"message":    "Documents indexed successfully",
		"collection": name,
		"submitted":  len(req.Documents),
	})
}

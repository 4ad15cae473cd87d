package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type Handlers struct {
	RAG         *RAGHandler
	Research    *ResearchHandler
	Collections *CollectionHandler
	Health      *HealthHandler
	Stream      *WebSocketHandler
}

// Register mounts the story RAG routes on router, normally the
// /api/v1/rag group.
func Register(router fiber.Router, h Handlers) {
	router.Post("/generate", h.RAG.Generate)
	router.Post("/compare", h.RAG.Compare)
	router.Get("/retrieve", h.RAG.Retrieve)

	router.Get("/metrics/summary", h.Research.Summary)
	router.Post("/metrics/export", h.Research.Export)

	router.Get("/sessions", h.Research.ListSessions)
	router.Get("/sessions/range", h.Research.SessionsInRange)
	router.Get("/sessions/:id", h.Research.GetSession)

	router.Get("/collections", h.Collections.List)
	router.Post("/collections/:name/index", h.Collections.Index)

	router.Get("/health", h.Health.Health)

	if h.Stream != nil {
		router.Get("/ws/generate", h.Stream.Upgrade, websocket.New(h.Stream.HandleConnection))
	}
}

package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/logger"
)

type streamRequest struct {
	Type string `json:"type"`
	GenerateRequest
}

type WebSocketHandler struct {
	generator StoryGenerator
}

func NewWebSocketHandler(generator StoryGenerator) *WebSocketHandler {
	return &WebSocketHandler{
		generator: generator,
	}
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection serves "generate" messages: the story is streamed as
// chunk messages followed by one complete message with the metrics.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg streamRequest
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "generate" {
			h.sendError(c, "Unsupported message type")
			continue
		}
		if err := validate.Struct(msg.GenerateRequest); err != nil {
			h.sendError(c, validationMessage(err))
			continue
		}

		logger.Info("Streaming story", zap.Bool("use_rag", msg.RAGEnabled()))

		if err := h.streamStory(ctx, c, msg.GenerateRequest); err != nil {
			logger.Error("Failed to stream story", zap.Error(err))
			h.sendError(c, "Story generation failed")
		}
	}
}

func (h *WebSocketHandler) streamStory(ctx context.Context, c *websocket.Conn, req GenerateRequest) error {
	if err := h.send(c, "status", "Generating story..."); err != nil {
		return err
	}

	result, err := h.generator.StreamStory(ctx, req.UserRequest, req.RAGEnabled(), req.params(), func(delta string) error {
		return h.send(c, "chunk", delta)
	})
	if err != nil {
		return err
	}

	return c.WriteJSON(fiber.Map{
		"type":  "complete",
		"story": newStoryResponse(result),
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(fiber.Map{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(fiber.Map{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Debug("Failed to send websocket error", zap.Error(err))
	}
}

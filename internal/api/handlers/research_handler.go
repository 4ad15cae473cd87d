package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/research"
	"github.com/loomi/story-rag/pkg/logger"
)

const defaultSessionLimit = 20

type SessionStore interface {
	Summarize() research.Summary
	Export() (*research.ExportPaths, error)
	Count() int
	GetSessionByID(id string) (*research.Session, error)
	GetRecentSessions(limit int) []research.Session
	GetSessionsByDateRange(start, end time.Time) []research.Session
}

type ResearchHandler struct {
	sessions SessionStore
}

func NewResearchHandler(sessions SessionStore) *ResearchHandler {
	return &ResearchHandler{sessions: sessions}
}

func (h *ResearchHandler) Summary(c *fiber.Ctx) error {
	return c.JSON(h.sessions.Summarize())
}

func (h *ResearchHandler) Export(c *fiber.Ctx) error {
	paths, err := h.sessions.Export()
	if err != nil {
		logger.Error("Failed to export research metrics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Export failed",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Metrics exported successfully",
		"files":   paths,
	})
}

func (h *ResearchHandler) ListSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultSessionLimit)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must not be negative",
		})
	}

	sessions := h.sessions.GetRecentSessions(limit)
	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
		"total":    h.sessions.Count(),
	})
}

func (h *ResearchHandler) GetSession(c *fiber.Ctx) error {
	session, err := h.sessions.GetSessionByID(c.Params("id"))
	if errors.Is(err, research.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}
	return c.JSON(session)
}

// SessionsInRange accepts RFC 3339 timestamps or plain dates. A plain end
// date covers the whole day.
func (h *ResearchHandler) SessionsInRange(c *fiber.Ctx) error {
	start, err := parseBound(c.Query("start"), false)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "start must be an RFC 3339 timestamp or a YYYY-MM-DD date",
		})
	}
	end, err := parseBound(c.Query("end"), true)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "end must be an RFC 3339 timestamp or a YYYY-MM-DD date",
		})
	}
	if end.Before(start) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "end is before start",
		})
	}

	sessions := h.sessions.GetSessionsByDateRange(start, end)
	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func parseBound(value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("missing time bound")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, value, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

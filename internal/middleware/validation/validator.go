package validation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/logger"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxRequestLength    int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware screens story requests before they reach the LLM and bounds
// document uploads. Field-level rules live on the handler DTOs.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxRequestLength == 0 {
		cfg.MaxRequestLength = 5000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("validation")
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if contentType := c.Get(fiber.HeaderContentType); contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		if strings.HasSuffix(path, "/generate") || strings.HasSuffix(path, "/compare") {
			var req map[string]any
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			userRequest, ok := req["user_request"].(string)
			if !ok || strings.TrimSpace(userRequest) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "user_request is required and must be a string",
				})
			}

			if len([]rune(userRequest)) > cfg.MaxRequestLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "user_request exceeds maximum length",
				})
			}

			if hasControlChars(userRequest) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "user_request contains control characters",
				})
			}

			if xssPattern.MatchString(userRequest) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", path),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid request content",
				})
			}
		}

		if strings.Contains(path, "/collections/") && len(c.Body()) > cfg.MaxDocumentSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Document payload exceeds maximum size",
			})
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// hasControlChars reports control characters other than ordinary
// whitespace.
func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

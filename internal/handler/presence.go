package handler

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"tutoring-backend/internal/auth"
	"tutoring-backend/internal/model"
	"tutoring-backend/internal/presence"
)

// PresenceHandler reports who is currently inside a session.
type PresenceHandler struct {
	db      *gorm.DB
	tracker *presence.Tracker
}

// NewPresenceHandler creates a PresenceHandler.
func NewPresenceHandler(db *gorm.DB, tracker *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{db: db, tracker: tracker}
}

// GetOnline lists the user ids with a live heartbeat in the session.
func (h *PresenceHandler) GetOnline(c *fiber.Ctx) error {
	if h.tracker == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "presence is not configured",
		})
	}

	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	var count int64
	h.db.Model(&model.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, claims.UserID).
		Count(&count)
	if count == 0 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	online, err := h.tracker.Online(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get presence",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"online":     online,
		"total":      len(online),
	})
}

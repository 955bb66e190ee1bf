package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/livekit/protocol/auth"
	"gorm.io/gorm"

	authpkg "tutoring-backend/internal/auth"
	"tutoring-backend/internal/config"
	"tutoring-backend/internal/model"
)

// VideoHandler issues LiveKit tokens for session video rooms.
type VideoHandler struct {
	cfg *config.Config
	db  *gorm.DB
}

// NewVideoHandler creates a VideoHandler.
func NewVideoHandler(cfg *config.Config, db *gorm.DB) *VideoHandler {
	return &VideoHandler{cfg: cfg, db: db}
}

// TokenResponse LiveKit token response
type TokenResponse struct {
	Token string `json:"token"`
	Room  string `json:"room"`
}

// GenerateToken creates a LiveKit access token for a session participant.
// The room name is derived from the session id; ended sessions refuse entry.
func (h *VideoHandler) GenerateToken(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*authpkg.Claims)
	sessionID := c.Params("sessionId")

	var session model.TutoringSession
	if err := h.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	if session.Status == string(model.SessionStatusEnded) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "session has already ended",
		})
	}

	var count int64
	h.db.Model(&model.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, claims.UserID).
		Count(&count)
	if count == 0 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	roomName := "session-" + sessionID

	at := auth.NewAccessToken(h.cfg.LiveKit.APIKey, h.cfg.LiveKit.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	at.AddGrant(grant).
		SetIdentity(claims.Nickname).
		SetValidFor(time.Hour * 24)

	token, err := at.ToJWT()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate token",
		})
	}

	return c.JSON(TokenResponse{Token: token, Room: roomName})
}

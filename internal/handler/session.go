package handler

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tutoring-backend/internal/auth"
	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
	"tutoring-backend/internal/notify"
)

// SessionHandler tutoring session and invitation endpoints
type SessionHandler struct {
	db     *gorm.DB
	broker *feed.Broker
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(db *gorm.DB, broker *feed.Broker) *SessionHandler {
	return &SessionHandler{db: db, broker: broker}
}

// SessionResponse session payload
type SessionResponse struct {
	ID           string                `json:"id"`
	InstructorID int64                 `json:"instructor_id"`
	Subject      string                `json:"subject"`
	Status       string                `json:"status"`
	StartedAt    *string               `json:"started_at,omitempty"`
	EndedAt      *string               `json:"ended_at,omitempty"`
	Instructor   *UserResponse         `json:"instructor,omitempty"`
	Participants []ParticipantResponse `json:"participants,omitempty"`
}

// ParticipantResponse participant payload
type ParticipantResponse struct {
	UserID   int64         `json:"user_id"`
	Role     string        `json:"role"`
	Status   string        `json:"status"`
	JoinedAt string        `json:"joined_at"`
	User     *UserResponse `json:"user,omitempty"`
}

// CreateSessionRequest session creation request
type CreateSessionRequest struct {
	Subject string `json:"subject"`
}

// InviteRequest invitation request
type InviteRequest struct {
	StudentID int64 `json:"student_id"`
}

// RespondInvitationRequest invitation response request
type RespondInvitationRequest struct {
	Accept bool `json:"accept"`
}

// CreateSession creates a session hosted by the calling instructor.
func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	if claims.Role != string(model.RoleInstructor) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only instructors can create sessions",
		})
	}

	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil || req.Subject == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subject is required",
		})
	}

	session := model.TutoringSession{
		ID:           uuid.New().String(),
		InstructorID: claims.UserID,
		Subject:      req.Subject,
		Status:       string(model.SessionStatusScheduled),
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		participant := model.SessionParticipant{
			SessionID: session.ID,
			UserID:    claims.UserID,
			Role:      string(model.RoleInstructor),
			Status:    string(model.ParticipantStatusActive),
		}
		return tx.Create(&participant).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(h.toSessionResponse(&session))
}

// GetMySessions lists sessions the caller participates in.
func (h *SessionHandler) GetMySessions(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var sessions []model.TutoringSession
	err := h.db.
		Joins("JOIN session_participants sp ON sp.session_id = sessions.id").
		Where("sp.user_id = ?", claims.UserID).
		Preload("Instructor").
		Preload("Participants.User").
		Order("sessions.created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get sessions",
		})
	}

	responses := make([]SessionResponse, len(sessions))
	for i := range sessions {
		responses[i] = h.toSessionResponse(&sessions[i])
	}

	return c.JSON(fiber.Map{
		"sessions": responses,
		"total":    len(responses),
	})
}

// GetSession returns one session the caller participates in.
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	if !h.isSessionMember(sessionID, claims.UserID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	var session model.TutoringSession
	err := h.db.
		Preload("Instructor").
		Preload("Participants.User").
		First(&session, "id = ?", sessionID).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}

	return c.JSON(h.toSessionResponse(&session))
}

// StartSession moves a scheduled session to ACTIVE.
func (h *SessionHandler) StartSession(c *fiber.Ctx) error {
	return h.transition(c, string(model.SessionStatusScheduled), string(model.SessionStatusActive))
}

// EndSession moves an active session to ENDED.
func (h *SessionHandler) EndSession(c *fiber.Ctx) error {
	return h.transition(c, string(model.SessionStatusActive), string(model.SessionStatusEnded))
}

func (h *SessionHandler) transition(c *fiber.Ctx, from, to string) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	var session model.TutoringSession
	if err := h.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	if session.InstructorID != claims.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only the instructor can change session status",
		})
	}
	if session.Status != from {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "invalid session status transition",
		})
	}

	now := time.Now()
	session.Status = to
	if to == string(model.SessionStatusActive) {
		session.StartedAt = &now
	} else {
		session.EndedAt = &now
	}
	if err := h.db.Save(&session).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update session",
		})
	}

	return c.JSON(h.toSessionResponse(&session))
}

// InviteStudent invites a student into a session and publishes the
// invitation for the notification pipeline.
func (h *SessionHandler) InviteStudent(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	var session model.TutoringSession
	if err := h.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	if session.InstructorID != claims.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only the instructor can invite students",
		})
	}

	var req InviteRequest
	if err := c.BodyParser(&req); err != nil || req.StudentID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "student_id is required",
		})
	}

	var student model.User
	if err := h.db.First(&student, "id = ?", req.StudentID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "student not found",
		})
	}

	invitation := model.Invitation{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		InstructorID: claims.UserID,
		StudentID:    req.StudentID,
		Subject:      session.Subject,
		Status:       string(model.InvitationPending),
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&invitation).Error; err != nil {
			return err
		}
		participant := model.SessionParticipant{
			SessionID: session.ID,
			UserID:    req.StudentID,
			Role:      string(model.RoleStudent),
			Status:    string(model.ParticipantStatusPending),
		}
		return tx.Create(&participant).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create invitation",
		})
	}

	h.publishInvitation(&invitation)

	return c.Status(fiber.StatusCreated).JSON(invitation)
}

// GetMyInvitations lists the caller's pending invitations.
func (h *SessionHandler) GetMyInvitations(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var invitations []model.Invitation
	err := h.db.
		Where("student_id = ? AND status = ?", claims.UserID, string(model.InvitationPending)).
		Preload("Instructor").
		Order("created_at DESC").
		Find(&invitations).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get invitations",
		})
	}

	return c.JSON(fiber.Map{
		"invitations": invitations,
		"total":       len(invitations),
	})
}

// RespondInvitation accepts or declines an invitation addressed to the caller.
func (h *SessionHandler) RespondInvitation(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	invitationID := c.Params("invitationId")

	var invitation model.Invitation
	if err := h.db.First(&invitation, "id = ?", invitationID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "invitation not found",
		})
	}
	if invitation.StudentID != claims.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "this invitation is not addressed to you",
		})
	}
	if invitation.Status != string(model.InvitationPending) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "invitation already answered",
		})
	}

	var req RespondInvitationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	status := string(model.InvitationDeclined)
	participantStatus := string(model.ParticipantStatusLeft)
	if req.Accept {
		status = string(model.InvitationAccepted)
		participantStatus = string(model.ParticipantStatusActive)
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&invitation).Update("status", status).Error; err != nil {
			return err
		}
		return tx.Model(&model.SessionParticipant{}).
			Where("session_id = ? AND user_id = ?", invitation.SessionID, claims.UserID).
			Update("status", participantStatus).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update invitation",
		})
	}

	invitation.Status = status
	return c.JSON(invitation)
}

// publishInvitation puts a freshly created invitation on the feed.
func (h *SessionHandler) publishInvitation(invitation *model.Invitation) {
	doc, err := json.Marshal(notify.InvitationDoc{
		ID:           invitation.ID,
		SessionID:    invitation.SessionID,
		InstructorID: invitation.InstructorID,
		StudentID:    invitation.StudentID,
		Subject:      invitation.Subject,
		Status:       invitation.Status,
	})
	if err != nil {
		log.Printf("[Session] Failed to encode invitation %s: %v", invitation.ID, err)
		return
	}
	h.broker.Publish(notify.TopicInvitations, feed.Event{Type: feed.ChildAdded, Doc: doc})
}

// isSessionMember checks active or pending membership.
func (h *SessionHandler) isSessionMember(sessionID string, userID int64) bool {
	var count int64
	h.db.Model(&model.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count)
	return count > 0
}

func (h *SessionHandler) toSessionResponse(session *model.TutoringSession) SessionResponse {
	resp := SessionResponse{
		ID:           session.ID,
		InstructorID: session.InstructorID,
		Subject:      session.Subject,
		Status:       session.Status,
	}
	if session.StartedAt != nil {
		s := session.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if session.EndedAt != nil {
		s := session.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &s
	}
	if session.Instructor.ID != 0 {
		u := userResponseOf(&session.Instructor)
		resp.Instructor = &u
	}
	for i := range session.Participants {
		p := &session.Participants[i]
		pr := ParticipantResponse{
			UserID:   p.UserID,
			Role:     p.Role,
			Status:   p.Status,
			JoinedAt: p.JoinedAt.Format(time.RFC3339),
		}
		if p.User.ID != 0 {
			u := userResponseOf(&p.User)
			pr.User = &u
		}
		resp.Participants = append(resp.Participants, pr)
	}
	return resp
}

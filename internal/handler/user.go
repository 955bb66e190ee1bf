package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"tutoring-backend/internal/auth"
	"tutoring-backend/internal/model"
)

// UserHandler user endpoints
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// SearchUsersResponse user search response
type SearchUsersResponse struct {
	Users []UserResponse `json:"users"`
	Total int64          `json:"total"`
}

// UpdateProfileRequest profile update request
type UpdateProfileRequest struct {
	Nickname *string `json:"nickname,omitempty"`
	Subjects *string `json:"subjects,omitempty"`
	Bio      *string `json:"bio,omitempty"`
}

// SearchInstructors searches instructors by nickname or subject.
func (h *UserHandler) SearchInstructors(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "search query is required",
		})
	}
	if len(query) < 2 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "search query must be at least 2 characters",
		})
	}

	searchPattern := "%" + sanitizeQuery(query) + "%"

	base := h.db.Model(&model.User{}).
		Where("id != ?", claims.UserID).
		Where("role = ?", string(model.RoleInstructor)).
		Where("nickname ILIKE ? OR subjects ILIKE ?", searchPattern, searchPattern)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to search instructors",
		})
	}

	var users []model.User
	if err := base.Limit(10).Find(&users).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to search instructors",
		})
	}

	userResponses := make([]UserResponse, len(users))
	for i := range users {
		userResponses[i] = userResponseOf(&users[i])
	}

	return c.JSON(SearchUsersResponse{
		Users: userResponses,
		Total: total,
	})
}

// GetUser returns one user's public profile.
func (h *UserHandler) GetUser(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	}

	var user model.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "user not found",
		})
	}

	return c.JSON(userResponseOf(&user))
}

// UpdateProfile updates the caller's marketplace profile.
func (h *UserHandler) UpdateProfile(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	var user model.User
	if err := h.db.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "user not found",
		})
	}

	if req.Nickname != nil && *req.Nickname != "" {
		user.Nickname = *req.Nickname
	}
	if req.Subjects != nil {
		user.Subjects = req.Subjects
	}
	if req.Bio != nil {
		user.Bio = req.Bio
	}

	if err := h.db.Save(&user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update profile",
		})
	}

	return c.JSON(userResponseOf(&user))
}

// sanitizeQuery strips SQL LIKE wildcards from user input.
func sanitizeQuery(q string) string {
	q = strings.ReplaceAll(q, "%", "")
	q = strings.ReplaceAll(q, "_", "")
	return q
}

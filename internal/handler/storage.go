package handler

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"tutoring-backend/internal/auth"
	"tutoring-backend/internal/model"
	"tutoring-backend/internal/storage"
)

// StorageHandler session material endpoints. Files live in S3; the server
// only brokers presigned URLs and keeps the file registry.
type StorageHandler struct {
	db *gorm.DB
	s3 *storage.S3Service
}

// NewStorageHandler creates a StorageHandler.
func NewStorageHandler(db *gorm.DB, s3 *storage.S3Service) *StorageHandler {
	return &StorageHandler{db: db, s3: s3}
}

// FileResponse file payload
type FileResponse struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Name      string        `json:"name"`
	S3Key     string        `json:"s3_key"`
	FileSize  *int64        `json:"file_size,omitempty"`
	MimeType  *string       `json:"mime_type,omitempty"`
	CreatedAt string        `json:"created_at"`
	Uploader  *UserResponse `json:"uploader,omitempty"`
}

// GetPresignedURLRequest upload URL request
type GetPresignedURLRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// ConfirmUploadRequest upload confirmation request
type ConfirmUploadRequest struct {
	Name     string  `json:"name"`
	S3Key    string  `json:"s3_key"`
	FileSize *int64  `json:"file_size,omitempty"`
	MimeType *string `json:"mime_type,omitempty"`
}

// GetPresignedURL issues an upload URL for a session material.
func (h *StorageHandler) GetPresignedURL(c *fiber.Ctx) error {
	if h.s3 == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "file storage is not configured",
		})
	}

	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	if !h.isSessionMember(sessionID, claims.UserID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	var req GetPresignedURLRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.FileName == "" || req.ContentType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file_name and content_type are required",
		})
	}

	presigned, err := h.s3.GenerateUploadURL(c.Context(), sessionID, req.FileName, req.ContentType)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate presigned URL",
		})
	}

	return c.JSON(fiber.Map{
		"upload_url": presigned.URL,
		"key":        presigned.Key,
		"expires_at": presigned.ExpiresAt,
	})
}

// ConfirmUpload records an uploaded file in the session registry.
func (h *StorageHandler) ConfirmUpload(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	if !h.isSessionMember(sessionID, claims.UserID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	var req ConfirmUploadRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.S3Key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name and s3_key are required",
		})
	}

	file := model.SessionFile{
		SessionID:  sessionID,
		UploaderID: claims.UserID,
		Name:       req.Name,
		S3Key:      req.S3Key,
		FileSize:   req.FileSize,
		MimeType:   req.MimeType,
	}
	if err := h.db.Create(&file).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to save file",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(h.toFileResponse(&file))
}

// ListFiles lists a session's materials.
func (h *StorageHandler) ListFiles(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")

	if !h.isSessionMember(sessionID, claims.UserID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	var files []model.SessionFile
	err := h.db.
		Where("session_id = ?", sessionID).
		Preload("Uploader").
		Order("created_at DESC").
		Find(&files).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list files",
		})
	}

	responses := make([]FileResponse, len(files))
	for i := range files {
		responses[i] = h.toFileResponse(&files[i])
	}

	return c.JSON(fiber.Map{
		"files": responses,
		"total": len(responses),
	})
}

// GetDownloadURL issues a download URL for one material.
func (h *StorageHandler) GetDownloadURL(c *fiber.Ctx) error {
	if h.s3 == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "file storage is not configured",
		})
	}

	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")
	fileID, err := c.ParamsInt("fileId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid file id",
		})
	}

	if !h.isSessionMember(sessionID, claims.UserID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you are not a participant of this session",
		})
	}

	var file model.SessionFile
	if err := h.db.First(&file, "id = ? AND session_id = ?", fileID, sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "file not found",
		})
	}

	presigned, err := h.s3.GenerateDownloadURL(c.Context(), file.S3Key)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate download URL",
		})
	}

	return c.JSON(fiber.Map{
		"download_url": presigned.URL,
		"expires_at":   presigned.ExpiresAt,
	})
}

// DeleteFile removes a material's registry entry. Only the uploader or the
// session instructor may delete.
func (h *StorageHandler) DeleteFile(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID := c.Params("sessionId")
	fileID, err := c.ParamsInt("fileId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid file id",
		})
	}

	var file model.SessionFile
	if err := h.db.First(&file, "id = ? AND session_id = ?", fileID, sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "file not found",
		})
	}

	var session model.TutoringSession
	if err := h.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	if file.UploaderID != claims.UserID && session.InstructorID != claims.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "you cannot delete this file",
		})
	}

	if err := h.db.Delete(&file).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete file",
		})
	}

	return c.JSON(fiber.Map{"message": "file deleted"})
}

func (h *StorageHandler) isSessionMember(sessionID string, userID int64) bool {
	var count int64
	h.db.Model(&model.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count)
	return count > 0
}

func (h *StorageHandler) toFileResponse(file *model.SessionFile) FileResponse {
	resp := FileResponse{
		ID:        file.ID,
		SessionID: file.SessionID,
		Name:      file.Name,
		S3Key:     file.S3Key,
		FileSize:  file.FileSize,
		MimeType:  file.MimeType,
		CreatedAt: file.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if file.Uploader.ID != 0 {
		u := userResponseOf(&file.Uploader)
		resp.Uploader = &u
	}
	return resp
}

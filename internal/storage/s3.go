package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "tutoring-backend/internal/config"
)

// S3Service issues presigned URLs for session material uploads and downloads.
// The server never proxies file bytes; clients talk to S3 directly.
type S3Service struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// PresignedURL is one time-limited S3 URL.
type PresignedURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewS3Service creates the service from app configuration. Returns nil when
// no bucket is configured; callers treat a nil service as feature-off.
func NewS3Service(ctx context.Context, cfg *appconfig.Config) (*S3Service, error) {
	if cfg.S3.BucketName == "" {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3.AccessKeyID,
			cfg.S3.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Service{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3.BucketName,
		expiry:  cfg.S3.PresignExpiry,
	}, nil
}

// GenerateUploadURL creates a presigned PUT URL for one session material.
// The object key embeds a fresh uuid so repeated uploads of the same file
// name never collide.
func (s *S3Service) GenerateUploadURL(ctx context.Context, sessionID, fileName, contentType string) (*PresignedURL, error) {
	key := fmt.Sprintf("sessions/%s/files/%s-%s", sessionID, uuid.New().String(), sanitizeFileName(fileName))

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for session %s: %w", sessionID, err)
	}

	return &PresignedURL{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: time.Now().Add(s.expiry),
	}, nil
}

// GenerateDownloadURL creates a presigned GET URL for a stored object.
func (s *S3Service) GenerateDownloadURL(ctx context.Context, key string) (*PresignedURL, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return nil, fmt.Errorf("failed to presign download for %s: %w", key, err)
	}

	return &PresignedURL{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: time.Now().Add(s.expiry),
	}, nil
}

// sanitizeFileName strips path separators and whitespace from an uploaded
// file name before it becomes part of an object key.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// Package storage provides S3-compatible object storage for uploaded PDFs.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(NewService),
)

// Service provides S3-compatible storage operations for uploaded PDFs.
// When storage is not configured the service is a disabled stub and all
// operations return an error.
type Service struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	log           *slog.Logger
}

// UploadOptions configures an upload operation
type UploadOptions struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Key         string
	Bucket      string
	ETag        string
	Size        int64
	ContentType string
}

// NewService creates a new storage service
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	scfg := cfg.Storage

	if !scfg.IsConfigured() {
		log.Warn("storage service disabled - no configuration provided")
		return &Service{
			log: log.With(logger.Scope("storage")),
		}, nil
	}

	endpoint := scfg.Endpoint
	if !strings.HasPrefix(endpoint, "http") {
		scheme := "http"
		if scfg.UseSSL {
			scheme = "https"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	// Create custom endpoint resolver for MinIO
	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				SigningRegion:     scfg.Region,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(scfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			scfg.AccessKeyID,
			scfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	presignClient := s3.NewPresignClient(client)

	log.Info("storage service initialized",
		slog.String("endpoint", scfg.Endpoint),
		slog.String("bucket", scfg.Bucket),
	)

	return &Service{
		client:        client,
		presignClient: presignClient,
		bucket:        scfg.Bucket,
		log:           log.With(logger.Scope("storage")),
	}, nil
}

// Enabled returns true if the storage service is properly configured
func (s *Service) Enabled() bool {
	return s.client != nil
}

// Upload uploads data to the specified key
func (s *Service) Upload(ctx context.Context, key string, data io.Reader, size int64, opts UploadOptions) (*UploadResult, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("storage service not enabled")
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
	}

	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentDisposition != "" {
		input.ContentDisposition = aws.String(opts.ContentDisposition)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	result, err := s.client.PutObject(ctx, input)
	if err != nil {
		s.log.Error("failed to upload object",
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	etag := ""
	if result.ETag != nil {
		etag = strings.Trim(*result.ETag, "\"")
	}

	s.log.Debug("object uploaded",
		slog.String("key", key),
		slog.String("bucket", s.bucket),
		slog.Int64("size", size),
	)

	return &UploadResult{
		Key:         key,
		Bucket:      s.bucket,
		ETag:        etag,
		Size:        size,
		ContentType: opts.ContentType,
	}, nil
}

// UploadPDF uploads a user's PDF under a namespaced key
func (s *Service) UploadPDF(ctx context.Context, userID, filename string, data io.Reader, size int64) (*UploadResult, error) {
	key := GenerateUploadKey(userID, filename)

	opts := UploadOptions{
		ContentType: "application/pdf",
	}
	if filename != "" {
		opts.ContentDisposition = fmt.Sprintf(`attachment; filename="%s"`, filename)
	}

	return s.Upload(ctx, key, data, size, opts)
}

// Download retrieves an object from storage
func (s *Service) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("storage service not enabled")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to download object",
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("download failed: %w", err)
	}

	return result.Body, nil
}

// Delete removes an object from storage
func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.Enabled() {
		return fmt.Errorf("storage service not enabled")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to delete object",
			slog.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("delete failed: %w", err)
	}

	s.log.Debug("object deleted", slog.String("key", key))
	return nil
}

// Exists checks if an object exists in storage
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if !s.Enabled() {
		return false, fmt.Errorf("storage service not enabled")
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "NotFound") || strings.Contains(errStr, "404") || strings.Contains(errStr, "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("head object failed: %w", err)
	}

	return true, nil
}

// GenerateUploadKey creates a storage key for an uploaded PDF.
// Format: {userId}/{uuid}-{sanitized_filename}
func GenerateUploadKey(userID, filename string) string {
	sanitized := SanitizeFilename(filename)
	id := uuid.New().String()
	return fmt.Sprintf("%s/%s-%s", userID, id, sanitized)
}

// SanitizeFilename cleans a filename for storage
func SanitizeFilename(filename string) string {
	if filename == "" {
		return "unnamed"
	}

	// Replace special characters with underscores
	re := regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	sanitized := re.ReplaceAllString(filename, "_")

	// Collapse multiple underscores
	re = regexp.MustCompile(`_{2,}`)
	sanitized = re.ReplaceAllString(sanitized, "_")

	// Trim leading/trailing underscores
	sanitized = strings.Trim(sanitized, "_")

	// Lowercase
	sanitized = strings.ToLower(sanitized)

	// Limit length
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}

	if sanitized == "" {
		return "unnamed"
	}

	return sanitized
}

// GetSignedDownloadURL generates a presigned URL for downloading an object
func (s *Service) GetSignedDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("storage service not enabled")
	}

	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	presignedReq, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		po.Expires = expiresIn
	})
	if err != nil {
		s.log.Error("failed to generate presigned URL",
			slog.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("presign failed: %w", err)
	}

	return presignedReq.URL, nil
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appconfig "github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/google/uuid"
)

// DownloadURLExpiry is how long a presigned export link stays valid.
const DownloadURLExpiry = 15 * time.Minute

type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// StoredExport points at an uploaded export.
type StoredExport struct {
	Key         string    `json:"key"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewS3Storage(cfg appconfig.S3Config) *S3Storage {
	var awsCfg aws.Config
	var err error

	// Static credentials when configured, otherwise the default chain
	// (environment, ~/.aws/credentials, IAM role)
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg = aws.Config{
			Region: cfg.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		}
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			logger.Warn("Falling back to region-only AWS config", logger.Fields{
				"error": err.Error(),
			})
			awsCfg = aws.Config{
				Region: cfg.Region,
			}
		}
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.ExportPrefix, "/"),
	}
}

// ObjectKey places exports under <prefix>/<owner>/<uuid><ext>.
func ObjectKey(prefix, ownerID, filename string) string {
	key := fmt.Sprintf("%s/%s%s", ownerID, uuid.NewString(), strings.ToLower(filepath.Ext(filename)))
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Upload stores an export and returns a presigned download link for it.
func (s *S3Storage) Upload(ctx context.Context, ownerID, filename, contentType string, body []byte) (*StoredExport, error) {
	key := ObjectKey(s.prefix, ownerID, filename)

	logger.Debug("Uploading export to S3", logger.Fields{
		"bucket": s.bucket,
		"key":    key,
		"size":   len(body),
	})

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		logger.Error("Failed to upload export", err, logger.Fields{
			"bucket": s.bucket,
			"key":    key,
		})
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}

	presigned, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", filename)),
	}, s3.WithPresignExpires(DownloadURLExpiry))
	if err != nil {
		return nil, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return &StoredExport{
		Key:         key,
		DownloadURL: presigned.URL,
		ExpiresAt:   time.Now().Add(DownloadURLExpiry),
	}, nil
}

package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/peerframe/screenshotd/pkg/errors"
)

// Client provides object storage operations for screenshot uploads.
type Client struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	presignTTL    time.Duration
}

// NewClient creates an S3 client against the configured bucket. An empty
// endpoint uses the default AWS resolution; setting one points the client at
// a MinIO-style compatible store.
func NewClient(ctx context.Context, bucket, region, endpoint string, presignTTL time.Duration) (*Client, error) {
	slog.Info("storage_client_init", "bucket", bucket, "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		bucket:        bucket,
		presignTTL:    presignTTL,
	}, nil
}

// ObjectKey builds the storage key for a new screenshot of a catalog item,
// with the file extension taken from the upload's content type.
func ObjectKey(catalogID, contentType string) string {
	return fmt.Sprintf("%s/%s%s", catalogID, uuid.NewString(), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(contentType)) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// Upload writes one screenshot to the bucket and returns its storage key.
// The key is only handed back after the write succeeds.
func (c *Client) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	slog.Info("storage_upload_start", "bucket", c.bucket, "storage_key", key)

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		slog.Error("storage_upload_failed", "storage_key", key, "error", err)
		return "", errors.Wrap(err, "failed to put object")
	}

	slog.Info("storage_upload_complete", "storage_key", key)
	return key, nil
}

// Delete removes an object; used to clean up an upload that lost the race
// against request finalization.
func (c *Client) Delete(ctx context.Context, key string) error {
	slog.Info("storage_delete", "bucket", c.bucket, "storage_key", key)

	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("storage_delete_failed", "storage_key", key, "error", err)
		return errors.Wrap(err, "failed to delete object")
	}
	return nil
}

// PresignGet returns a time-limited GET URL for a stored screenshot.
func (c *Client) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := c.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.presignTTL))
	if err != nil {
		slog.Error("storage_presign_failed", "storage_key", key, "error", err)
		return "", errors.Wrap(err, "failed to presign object")
	}
	return req.URL, nil
}

package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

// S3Uploader abstracts the S3 PutObject operation for testability.
// Production code uses the *s3.Client from aws-sdk-go-v2.
type S3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveWriter implements ArchiveWriter by zstd-compressing each batch
// and uploading it to the archive bucket under the Glacier Instant
// Retrieval storage class.
type S3ArchiveWriter struct {
	client  S3Uploader
	bucket  string
	encoder *zstd.Encoder
	logger  *slog.Logger
}

// NewS3ArchiveWriter creates an archive writer targeting the given bucket.
func NewS3ArchiveWriter(client S3Uploader, bucket string, logger *slog.Logger) (*S3ArchiveWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// A single shared encoder; EncodeAll is safe for concurrent use.
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	return &S3ArchiveWriter{
		client:  client,
		bucket:  bucket,
		encoder: encoder,
		logger:  logger,
	}, nil
}

// UploadArchive compresses the batch and uploads it under key.
func (w *S3ArchiveWriter) UploadArchive(ctx context.Context, key string, data []byte) error {
	compressed := w.encoder.EncodeAll(data, nil)

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(w.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(compressed),
		ContentType:  aws.String("application/zstd"),
		StorageClass: s3types.StorageClassGlacierIr,
	})
	if err != nil {
		return fmt.Errorf("uploading archive %s: %w", key, err)
	}

	w.logger.InfoContext(ctx, "archive batch uploaded",
		"bucket", w.bucket,
		"key", key,
		"raw_bytes", len(data),
		"compressed_bytes", len(compressed),
	)

	return nil
}

var _ ArchiveWriter = (*S3ArchiveWriter)(nil)

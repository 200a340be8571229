package external

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"c2cpipeline/internal/types"
)

// S3PutAPI is the subset of the S3 client the uploader uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ZstdExtension is appended to compressed object keys. Athena picks the
// codec from the extension.
const ZstdExtension = ".zst"

// S3Uploader writes objects to one bucket, optionally zstd-compressed.
type S3Uploader struct {
	client S3PutAPI
	bucket string
	logger *slog.Logger

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

// NewS3Uploader creates an uploader for bucket.
func NewS3Uploader(client S3PutAPI, bucket string, logger *slog.Logger) *S3Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Uploader{client: client, bucket: bucket, logger: logger}
}

// Upload puts body under key and returns the key actually written, which
// carries ZstdExtension when compress is set. Objects are written with
// bucket-owner-full-control so the query engine's account can read them.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, compress bool) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		ACL:         s3types.ObjectCannedACLBucketOwnerFullControl,
		ContentType: aws.String("application/x-ndjson"),
	}

	if compress {
		enc, err := u.encoder()
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create zstd encoder", err)
		}
		body = enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		key += ZstdExtension
	}
	in.Key = aws.String(key)
	in.Body = bytes.NewReader(body)
	in.ContentLength = aws.Int64(int64(len(body)))

	if _, err := u.client.PutObject(ctx, in); err != nil {
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable, "failed to upload object", err,
			map[string]any{"bucket": u.bucket, "key": key})
	}

	u.logger.InfoContext(ctx, "object uploaded", "bucket", u.bucket, "key", key, "bytes", len(body), "compressed", compress)
	return key, nil
}

// EncodeAll on a shared encoder is safe for concurrent use.
func (u *S3Uploader) encoder() (*zstd.Encoder, error) {
	u.encOnce.Do(func() {
		u.enc, u.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return u.enc, u.encErr
}

package voice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/speech2text-lab/internal/logging"
)

// S3Config configures the optional history mirror. Endpoint is set for
// S3-compatible stores (R2, MinIO) and switches to path-style addressing.
type S3Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// ObjectPutter is the subset of *s3.Client the mirror needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads each saved recording and its sidecar to a bucket.
type S3Mirror struct {
	client ObjectPutter
	bucket string
	prefix string
}

func createS3Client(cfg S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// NewS3Mirror returns nil when cfg is not configured.
func NewS3Mirror(cfg S3Config) *S3Mirror {
	if !cfg.IsConfigured() {
		return nil
	}
	return NewS3MirrorWithClient(createS3Client(cfg), cfg.Bucket, cfg.Prefix)
}

func NewS3MirrorWithClient(client ObjectPutter, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *S3Mirror) key(local string) string {
	return path.Join(m.prefix, filepath.Base(local))
}

// Upload puts the recording's WAV and, when present, its sidecar.
func (m *S3Mirror) Upload(ctx context.Context, rec Recording) error {
	if m == nil {
		return nil
	}
	if err := m.put(ctx, m.key(rec.WAVPath), rec.WAV, "audio/wav"); err != nil {
		return err
	}
	if rec.SidecarPath != "" {
		b, err := os.ReadFile(rec.SidecarPath)
		if err != nil {
			return fmt.Errorf("read sidecar: %w", err)
		}
		if err := m.put(ctx, m.key(rec.SidecarPath), b, "application/json"); err != nil {
			return err
		}
	}
	logging.Debugw("history: mirrored to s3", "bucket", m.bucket, "key", m.key(rec.WAVPath), "correlation_id", rec.CorrelationID)
	return nil
}

func (m *S3Mirror) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

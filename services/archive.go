package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zhifu/donation-pay/models"
)

// Archiver keeps a copy of attempts before the retention cleanup deletes them.
type Archiver interface {
	Archive(ctx context.Context, batch []models.PaymentAttempt) error
}

// ObjectPutter is the part of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each batch as one newline-delimited JSON object.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// NewS3ArchiverFromEnv builds the client from the default AWS credential
// chain.
func NewS3ArchiverFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Archiver(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (a *S3Archiver) Archive(ctx context.Context, batch []models.PaymentAttempt) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("encode attempt %d: %w", batch[i].ID, err)
		}
	}

	key := a.objectKey(batch)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (a *S3Archiver) objectKey(batch []models.PaymentAttempt) string {
	first, last := batch[0].ID, batch[len(batch)-1].ID
	return path.Join(a.prefix, a.now().UTC().Format("2006/01/02"), fmt.Sprintf("attempts-%d-%d.jsonl", first, last))
}

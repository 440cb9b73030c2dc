package repository

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appConfig "github.com/mansoorceksport/esimpay/internal/config"
)

// S3WebhookArchive stores raw gateway postLink bodies in an S3-compatible bucket
type S3WebhookArchive struct {
	client *s3.Client
	bucket string
}

// NewS3WebhookArchive connects to the bucket, creating it if needed
func NewS3WebhookArchive(ctx context.Context, cfg appConfig.S3Config) (*S3WebhookArchive, error) {
	// Static credentials: SeaweedFS/MinIO only need a signature to be present.
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("any", "any", "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	archive := &S3WebhookArchive{
		client: client,
		bucket: cfg.Bucket,
	}
	if err := archive.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return archive, nil
}

// Archive writes one delivery under webhooks/YYYY/MM/DD/.
func (a *S3WebhookArchive) Archive(ctx context.Context, invoiceID string, receivedAt time.Time, contentType string, body []byte) error {
	if invoiceID == "" {
		invoiceID = "unknown"
	}
	key := fmt.Sprintf("webhooks/%s/%s-%d", receivedAt.UTC().Format("2006/01/02"), invoiceID, receivedAt.UnixNano())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to archive webhook to S3: %w", err)
	}
	return nil
}

func (a *S3WebhookArchive) ensureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(a.bucket),
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

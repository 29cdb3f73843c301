package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"site-audit-coordinator/internal/config"
)

// Archiver keeps a copy of completed report HTML outside the row store.
// Archival is best effort: failures are reported to the caller for logging
// but never influence job state.
type Archiver interface {
	Store(ctx context.Context, auditID, reportHTML string) error
}

// S3Archive uploads reports to an S3 bucket under reports/<audit-id>.html.
type S3Archive struct {
	client *s3.Client
	bucket string
}

var _ Archiver = (*S3Archive)(nil)

// NewS3Archive builds the archiver, or returns nil when no bucket is
// configured (archival disabled).
func NewS3Archive(ctx context.Context, cfg config.Config) (*S3Archive, error) {
	if cfg.ReportS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archive{client: client, bucket: cfg.ReportS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

func (a *S3Archive) Store(ctx context.Context, auditID, reportHTML string) error {
	key := fmt.Sprintf("reports/%s.html", auditID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(reportHTML)),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("archive report %s: %w", auditID, err)
	}
	return nil
}

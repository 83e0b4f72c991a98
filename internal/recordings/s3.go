// Package recordings locates call audio across the provider's inline URLs
// and the two S3 archives: the HQ bucket keyed by call id, and the SBC
// capture bucket keyed by a timestamped filename convention.
package recordings

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Object is one stored recording file.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the slice of S3 the resolver needs.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type s3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store creates an ObjectStore over the default AWS config chain.
func NewS3Store(ctx context.Context, region string) (ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &s3Store{client: client, presign: s3.NewPresignClient(client)}, nil
}

func (s *s3Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (s *s3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

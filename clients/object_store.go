package clients

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/timelapselabs/timelapse-api/errors"
)

// ObjectStoreGateway hands out time-limited access URLs for chunk and
// artifact blobs. The core never streams blob data itself; workers and
// uploading callers talk to the store directly through these URLs.
type ObjectStoreGateway interface {
	UploadURL(key string, ttl time.Duration) (string, error)
	ReadURL(key string, ttl time.Duration) (string, error)
	DeleteObject(key string) error
}

type S3Gateway struct {
	s3     *s3.S3
	bucket string
}

func NewS3Gateway(region, endpoint, bucket string) (*S3Gateway, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return &S3Gateway{
		s3:     s3.New(sess),
		bucket: bucket,
	}, nil
}

func (g *S3Gateway) UploadURL(key string, ttl time.Duration) (string, error) {
	req, _ := g.s3.PutObjectRequest(&s3.PutObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	u, err := req.Presign(ttl)
	if err != nil {
		return "", &errors.DependencyError{Dependency: "object-store", Err: err}
	}
	return u, nil
}

func (g *S3Gateway) ReadURL(key string, ttl time.Duration) (string, error) {
	req, _ := g.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	u, err := req.Presign(ttl)
	if err != nil {
		return "", &errors.DependencyError{Dependency: "object-store", Err: err}
	}
	return u, nil
}

func (g *S3Gateway) DeleteObject(key string) error {
	_, err := g.s3.DeleteObject(&s3.DeleteObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	if err != nil {
		return &errors.DependencyError{Dependency: "object-store", Err: err}
	}
	return nil
}

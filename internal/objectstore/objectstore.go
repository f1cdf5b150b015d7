// Package objectstore is a thin S3-compatible client for uploading final
// artifacts, built on aws-sdk-go's session+s3manager uploader so large
// final.mp4 files are sent as multipart uploads without the caller having
// to chunk them manually.
package objectstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Config names the destination bucket/prefix and the S3-compatible
// endpoint credentials (works against AWS S3 or any compatible provider
// reachable via a custom endpoint, e.g. MinIO).
type Config struct {
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Endpoint  string
	Region    string
}

// Store uploads final artifacts to an S3-compatible bucket.
type Store struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	client   *s3.S3
}

// New builds a Store from cfg. A non-empty Endpoint forces path-style
// addressing, which most S3-compatible providers other than AWS require.
func New(cfg Config) (*Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new session: %w", err)
	}
	return &Store{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: s3manager.NewUploader(sess),
		client:   s3.New(sess),
	}, nil
}

// Key builds the destination object key for a booking's final artifact:
// <prefix>/<user_id>/<date>/<booking_id>.mp4.
func (s *Store) Key(userID, date, bookingID string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s/%s.mp4", userID, date, bookingID)
	}
	return fmt.Sprintf("%s/%s/%s/%s.mp4", s.prefix, userID, date, bookingID)
}

// Upload streams path to key as a multipart upload, returning the object's
// ETag on success.
func (s *Store) Upload(ctx context.Context, path, key string) (etag string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("objectstore: open %s: %w", path, err)
	}
	defer f.Close()

	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	if out.ETag != nil {
		return *out.ETag, nil
	}
	return "", nil
}

// Head reports whether key already exists in the bucket, used before
// re-uploading a retry-queue entry to avoid duplicate transfers after a
// partial prior success.
func (s *Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	type awsErr interface{ Code() string }
	if ae, ok := err.(awsErr); ok {
		return ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound"
	}
	return false
}

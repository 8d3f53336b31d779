package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// RemoteStore puts and gets blobs from an S3-compatible bucket (AWS S3,
// MinIO, R2, or any endpoint speaking the S3 API).
type RemoteStore struct {
	client *s3.S3
	bucket string
}

var _ Store = (*RemoteStore)(nil)

// NewRemoteStore builds an S3 client against the given endpoint. A custom
// endpoint forces path-style addressing, matching how MinIO and most
// S3-compatible object stores are reached.
func NewRemoteStore(bucket, region, endpoint, accessKey, secretKey string) (*RemoteStore, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if accessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, ""))
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &RemoteStore{client: s3.New(sess), bucket: bucket}, nil
}

func (s *RemoteStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	buf, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	return err
}

func (s *RemoteStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

var _ Pinger = (*RemoteStore)(nil)

// Ping confirms the configured bucket is reachable with the current
// credentials.
func (s *RemoteStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return err
}

// Package archive copies completed runs to S3 so they outlive the database
// retention window. Objects are plain JSON, one per record:
//
//	{prefix}/{kind}/{YYYY}/{MM}/{DD}/{id}.json
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Record kinds.
const (
	KindSimulation = "simulations"
	KindAllocation = "allocations"
)

// ErrNoBucket is returned when an S3 archiver is built without a bucket.
var ErrNoBucket = errors.New("archive: bucket is required")

// Archiver stores one record under its kind and ID.
type Archiver interface {
	Archive(ctx context.Context, kind, id string, created time.Time, v any) error
}

// putObjectAPI is the part of *s3.Client the archiver uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes records to one bucket.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver writing to bucket under prefix.
func NewS3Archiver(client putObjectAPI, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewS3Client loads AWS credentials and region from the default chain
// (environment, shared config, instance role).
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Archive uploads v as JSON.
func (a *S3Archiver) Archive(ctx context.Context, kind, id string, created time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}

	key := ObjectKey(a.prefix, kind, id, created)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// ObjectKey returns the object key for a record, partitioned by UTC day.
func ObjectKey(prefix, kind, id string, created time.Time) string {
	return path.Join(prefix, kind, created.UTC().Format("2006/01/02"), id+".json")
}

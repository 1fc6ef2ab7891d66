package lockstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/resolve"
)

// S3Store keeps lockfiles in an S3 bucket keyed by content hash.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fault.New(fault.CodeConfigInvalid, "lockstore: loading AWS config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(raw string) string {
	return s.prefix + raw + ".lock.json"
}

func (s *S3Store) Put(ctx context.Context, lf *resolve.Lockfile) (string, error) {
	raw, addr, err := encode(lf)
	if err != nil {
		return "", err
	}
	hash, _ := rawHash(addr)
	key := s.key(hash)

	// Idempotent: skip the upload when the object already exists.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return addr, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fault.New(fault.CodeNetwork, "lockstore: s3 put failed").WithCause(err)
	}
	return addr, nil
}

func (s *S3Store) Get(ctx context.Context, addr string) (*resolve.Lockfile, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fault.New(fault.CodeNotFound, "lockfile %s not found", addr).WithCause(err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.New(fault.CodeNetwork, "lockstore: reading s3 object").WithCause(err)
	}
	return decode(raw, addr)
}

func (s *S3Store) Exists(ctx context.Context, addr string) (bool, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	return err == nil, nil
}

func (s *S3Store) Delete(ctx context.Context, addr string) error {
	hash, err := rawHash(addr)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return fault.New(fault.CodeNetwork, "lockstore: s3 delete failed for %s", addr).WithCause(err)
	}
	return nil
}

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Gateway is the production BlobStore gateway, backed by any
// S3-compatible object store (AWS S3, MinIO, R2, ...) reached via
// aws-sdk-go-v2.
type S3Gateway struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	signTTL  time.Duration
}

// S3Config configures a connection to an S3-compatible endpoint.
type S3Config struct {
	Bucket      string
	Region      string
	EndpointURL string // empty = default AWS endpoint resolution
	AccessKey   string // empty = use the default credential chain
	SecretKey   string
	SignedURLTTL time.Duration
}

// NewS3Gateway builds an S3Gateway from cfg. A non-empty EndpointURL selects
// path-style addressing, which every S3-compatible non-AWS store requires.
func NewS3Gateway(ctx context.Context, cfg S3Config) (*S3Gateway, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}

	return &S3Gateway{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		signTTL: ttl,
	}, nil
}

// Put implements Gateway.
func (g *S3Gateway) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s/%s: %w", g.bucket, path, err)
	}
	return nil
}

// Get implements Gateway.
func (g *S3Gateway) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s/%s: %w", g.bucket, path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", g.bucket, path, err)
	}
	return data, nil
}

// SignedURL implements Gateway.
func (g *S3Gateway) SignedURL(path string) (string, error) {
	req, err := g.presign.PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(g.signTTL))
	if err != nil {
		return "", fmt.Errorf("signing %s/%s: %w", g.bucket, path, err)
	}
	return req.URL, nil
}

// Delete implements Gateway.
func (g *S3Gateway) Delete(ctx context.Context, path string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", g.bucket, path, err)
	}
	return nil
}

var _ Gateway = (*S3Gateway)(nil)

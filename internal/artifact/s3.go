package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const s3Scheme = "s3://"

// S3Options configures access to S3-compatible storage.
type S3Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Location is a parsed s3://bucket/key reference.
type S3Location struct {
	Bucket string
	Key    string
}

// IsS3 reports whether source names an object in S3.
func IsS3(source string) bool {
	return strings.HasPrefix(source, s3Scheme)
}

// ParseS3URI splits an s3://bucket/key URI.
func ParseS3URI(uri string) (S3Location, error) {
	if !IsS3(uri) {
		return S3Location{}, fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return S3Location{}, fmt.Errorf("invalid s3 uri %q: expected s3://bucket/key", uri)
	}
	return S3Location{Bucket: bucket, Key: key}, nil
}

// Fetcher resolves a backup source to a local file. Local paths are returned
// unchanged; s3:// sources are downloaded to a temporary file.
type Fetcher struct {
	opts   S3Options
	logger zerolog.Logger
}

// NewFetcher creates a new Fetcher.
func NewFetcher(opts S3Options, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		opts:   opts,
		logger: logger.With().Str("component", "artifact_fetch").Logger(),
	}
}

// Fetch returns a local path for source and a cleanup func that removes any
// temporary download. The cleanup func is never nil.
func (f *Fetcher) Fetch(ctx context.Context, source string) (string, func(), error) {
	noop := func() {}
	if !IsS3(source) {
		return source, noop, nil
	}

	loc, err := ParseS3URI(source)
	if err != nil {
		return "", noop, fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
	}

	client, err := f.client(ctx)
	if err != nil {
		return "", noop, err
	}

	// Keep the object's suffix so the dump format is still detectable.
	tmp, err := os.CreateTemp("", "dbbootstrap-*"+path.Ext(loc.Key))
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	f.logger.Info().
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Msg("downloading backup from s3")

	downloader := manager.NewDownloader(client)
	n, err := downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	closeErr := tmp.Close()
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("%w: download %s: %v", ErrArtifactNotFound, source, err)
	}
	if closeErr != nil {
		cleanup()
		return "", noop, fmt.Errorf("close downloaded backup: %w", closeErr)
	}

	f.logger.Info().
		Str("path", tmp.Name()).
		Int64("size_bytes", n).
		Msg("backup downloaded")

	return tmp.Name(), cleanup, nil
}

func (f *Fetcher) client(ctx context.Context) (*s3.Client, error) {
	region := f.opts.Region
	if region == "" {
		region = "us-east-1"
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if f.opts.AccessKeyID != "" && f.opts.SecretAccessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(f.opts.AccessKeyID, f.opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if f.opts.Endpoint != "" {
		endpoint := f.opts.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(cfg, clientOpts...), nil
}

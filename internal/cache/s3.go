package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"taskweave/internal/core"
)

// errObjectNotFound marks a missing key after S3 error mapping.
var errObjectNotFound = errors.New("object not found")

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config configures the S3 cache tier.
//
// Credentials follow the AWS SDK default chain unless AccessKeyID and
// SecretAccessKey are set. For S3-compatible stores set Endpoint and usually
// ForcePathStyle.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// DefaultAWSRegion is the fallback region for AWS S3 when none resolves.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 access key ID and secret access key must be provided together")
	}
	return nil
}

// NewS3Client builds an S3 client for cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// S3Store keeps the LocalStore layout in a bucket:
// {prefix}/cas/{hash} for blobs and {prefix}/ac/{fp}.json for entries.
type S3Store struct {
	api    S3API
	bucket string
	prefix string
}

// NewS3Store creates a store on api.
func NewS3Store(api S3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3Store) blobKey(d core.Digest) string   { return s.key("cas", d.Hash) }
func (s *S3Store) entryKey(fp core.Digest) string { return s.key("ac", fp.Hash+".json") }

func (s *S3Store) Lookup(ctx context.Context, fp core.Digest) (*Entry, error) {
	key := s.entryKey(fp)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = s.wrapError("GetObject", key, err)
		if errors.Is(err, errObjectNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()

	var e Entry
	if err := json.NewDecoder(out.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("parsing s3 entry %s: %w", key, err)
	}
	if e.Fingerprint != fp {
		return nil, fmt.Errorf("s3 entry %s records fingerprint %s", key, e.Fingerprint)
	}
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("s3 entry %s: %w", key, err)
	}
	return &e, nil
}

func (s *S3Store) Materialize(ctx context.Context, e *Entry, root string) error {
	return materializeOutputs(ctx, e, root, func(ctx context.Context, d core.Digest) (io.ReadCloser, error) {
		key := s.blobKey(d)
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return nil, s.wrapError("GetObject", key, err)
		}
		return out.Body, nil
	})
}

func (s *S3Store) Store(ctx context.Context, fp core.Digest, res *core.ExecutionResult, root string) error {
	if res == nil {
		return fmt.Errorf("execution result is nil")
	}
	for _, out := range res.Outputs {
		if err := s.putBlob(ctx, root, out); err != nil {
			return err
		}
	}

	data, err := json.Marshal(NewEntry(fp, res))
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	key := s.entryKey(fp)
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	return nil
}

func (s *S3Store) putBlob(ctx context.Context, root string, out core.OutputFile) error {
	key := s.blobKey(out.Digest)
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return nil
	}
	if err = s.wrapError("HeadObject", key, err); !errors.Is(err, errObjectNotFound) {
		return err
	}

	p, err := outputPath(root, out)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening output %s: %w", out.Path, err)
	}
	defer f.Close()

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(out.Digest.SizeBytes),
	})
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	return nil
}

// wrapError maps S3 errors to errObjectNotFound where applicable.
func (s *S3Store) wrapError(op, key string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("s3 %s %s/%s: %w", op, s.bucket, key, errObjectNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3 %s %s/%s: %w", op, s.bucket, key, errObjectNotFound)
		}
	}
	return fmt.Errorf("s3 %s %s/%s: %w", op, s.bucket, key, err)
}

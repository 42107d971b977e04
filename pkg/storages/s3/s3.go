// Package s3 stores step artifacts and metadata in an S3 bucket.
//
// Artifacts move between the executor and the bucket with the aws CLI, run
// through the executor, so the executor needs the CLI installed. Metadata is
// read and written directly by the orchestrating process with the AWS SDK.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Params configures the S3 storage.
type Params struct {
	Bucket    string `json:"bucket" yaml:"bucket" validate:"required"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
}

// API is the subset of the S3 client used for metadata.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Option customises a Storage.
type Option func(*Storage)

// WithAPI replaces the SDK client, mainly for tests.
func WithAPI(api API) Option {
	return func(s *Storage) {
		s.api = api
	}
}

// WithLookupEnv replaces os.LookupEnv when building the credential
// environment of CLI commands.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(s *Storage) {
		s.lookupEnv = fn
	}
}

// Storage keeps artifacts under s3://<bucket>/<job>/<step> and each metadata
// entry as the object <key>.
type Storage struct {
	engine.NoSetup

	params    Params
	lookupEnv func(string) (string, bool)

	mu  sync.Mutex
	api API
}

var _ engine.Storage = (*Storage)(nil)

// New creates an S3 storage. The SDK client is created on first metadata
// access.
func New(params Params, opts ...Option) *Storage {
	s := &Storage{params: params, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the S3 URL of step's artifacts.
func (s *Storage) URL(step pipeline.Step) string {
	return "s3://" + s.params.Bucket + "/" + step.JobID + "/" + step.ID
}

// Pull copies step's artifacts from the bucket into its working directory.
func (s *Storage) Pull(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	args := append(s.cli(), "cp", "--recursive", s.URL(step), ".")
	return r.Command(ctx, engine.Exec(args...).WithEnv(s.Env()).In(step))
}

// Push copies step's working directory into the bucket.
func (s *Storage) Push(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	args := append(s.cli(), "cp", "--recursive", ".", s.URL(step))
	return r.Command(ctx, engine.Exec(args...).WithEnv(s.Env()).In(step))
}

func (s *Storage) cli() []string {
	args := []string{"aws", "s3"}
	if s.params.Endpoint != "" {
		args = append(args, "--endpoint-url", s.params.Endpoint)
	}
	return args
}

// Env returns the credentials passed to the aws CLI. Configured values win
// over the orchestrator's environment. The region is omitted when a custom
// endpoint is set.
func (s *Storage) Env() map[string]string {
	env := make(map[string]string)
	set := func(name, value string) {
		if value != "" {
			env[name] = value
			return
		}
		if v, ok := s.lookupEnv(name); ok {
			env[name] = v
		}
	}
	if s.params.Endpoint == "" {
		set("AWS_REGION", s.params.Region)
	}
	set("AWS_ACCESS_KEY_ID", s.params.AccessKey)
	set("AWS_SECRET_ACCESS_KEY", s.params.SecretKey)
	return env
}

// GetMeta reads the object key.
func (s *Storage) GetMeta(ctx context.Context, key string) (string, error) {
	api, err := s.client(ctx)
	if err != nil {
		return "", err
	}

	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("%w: %s", engine.ErrMetadataNotFound, key)
		}
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("read metadata %s: %w", key, err)
	}
	return string(data), nil
}

// SetMeta writes the object key.
func (s *Storage) SetMeta(ctx context.Context, key, value string) error {
	api, err := s.client(ctx)
	if err != nil {
		return err
	}

	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("put metadata %s: %w", key, err)
	}
	return nil
}

func (s *Storage) client(ctx context.Context) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.api != nil {
		return s.api, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.params.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.params.Region))
	}
	if s.params.AccessKey != "" && s.params.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.params.AccessKey, s.params.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	s.api = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.params.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.params.Endpoint)
			o.UsePathStyle = true
		}
	})
	return s.api, nil
}

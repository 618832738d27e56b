// Package s3 serves s3://bucket/key targets using S3 conditional writes.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/shared/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string // empty for AWS
	Region    string
	AccessKey string // empty uses the default credential chain
	SecretKey string
}

// API is the part of *s3.Client the gateway needs.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Gateway struct {
	client API
	logger *logging.Logger
}

func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Gateway, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		}
	})

	return NewWithClient(client, logger), nil
}

func NewWithClient(client API, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{client: client, logger: logger}
}

func (g *Gateway) Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error) {
	if err := checkKind(target); err != nil {
		return shared.Snapshot{}, err
	}

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(target.Bucket),
		Key:    aws.String(target.Path),
	})
	if err != nil {
		return shared.Snapshot{}, mapError(err, target)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return shared.Snapshot{}, mapError(err, target)
	}

	tag := aws.ToString(out.ETag)
	if tag == "" {
		return shared.Snapshot{}, errors.RemoteUnavailable("object has no ETag", nil).WithTarget(target.String())
	}

	g.logger.Debug("fetched object",
		zap.String("target", target.String()),
		zap.String("etag", tag),
		zap.Int("size", len(content)))
	return shared.Snapshot{Content: content, VersionTag: tag}, nil
}

// Upload writes with If-Match so S3 rejects the put when the object moved on.
func (g *Gateway) Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error) {
	if err := checkKind(target); err != nil {
		return "", err
	}
	if expectedTag == "" {
		return "", errors.ValidationError("upload requires a version tag", nil).WithTarget(target.String())
	}

	out, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(target.Bucket),
		Key:           aws.String(target.Path),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		IfMatch:       aws.String(expectedTag),
	})
	if err != nil {
		return "", mapError(err, target)
	}

	tag := aws.ToString(out.ETag)
	if tag == "" {
		return "", errors.RemoteUnavailable("put response has no ETag", nil).WithTarget(target.String())
	}

	g.logger.Debug("uploaded object",
		zap.String("target", target.String()),
		zap.String("expected", expectedTag),
		zap.String("etag", tag))
	return tag, nil
}

func checkKind(target shared.Target) error {
	if target.Kind != shared.KindS3 {
		return errors.ValidationError(fmt.Sprintf("s3 remote cannot serve %s targets", target.Kind), nil).WithTarget(target.String())
	}
	return nil
}

func mapError(err error, target shared.Target) error {
	name := target.String()

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Aborted("request cancelled", err).WithTarget(name)
	}

	var noKey *s3types.NoSuchKey
	if stderrors.As(err, &noKey) {
		return errors.RemoteNotFound("object not found", err).WithTarget(name)
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return errors.RemoteNotFound(fmt.Sprintf("object not found (%s)", apiErr.ErrorCode()), err).WithTarget(name)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return errors.VersionConflict("object changed since it was downloaded", "").WithTarget(name)
		}
	}

	return errors.RemoteUnavailable("s3 request failed", err).WithTarget(name)
}

// SPDX-License-Identifier: Apache-2.0

// Package storage proxies bucket and object calls to an S3 compatible backend
// using temporary credentials obtained by assuming an IAM role.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

var (
	ErrInvalidBucketName = errors.New("invalid bucket name")
	ErrInvalidKey        = errors.New("invalid object key")

	bucketNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-]+[a-zA-Z0-9]$`)
)

// Config describes how to reach the storage backend.
type Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	DisableSSL     bool
	Timeout        time.Duration
	// RoleARN, when set, is assumed through STS and the resulting temporary
	// credentials are used for every call. The SDK refreshes them on expiry.
	RoleARN string
}

// NewSession builds an AWS session for cfg.
func NewSession(cfg Config, logger *zap.Logger) (*session.Session, error) {
	awsConfig := &aws.Config{
		Region:                        aws.String(cfg.Region),
		S3ForcePathStyle:              aws.Bool(cfg.ForcePathStyle),
		DisableSSL:                    aws.Bool(cfg.DisableSSL),
		CredentialsChainVerboseErrors: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.Timeout > 0 {
		awsConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	logger.Info("Created storage session",
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("force_path_style", cfg.ForcePathStyle),
	)

	if cfg.RoleARN == "" {
		return sess, nil
	}

	logger.Info("Using temporary credentials", zap.String("role_arn", cfg.RoleARN))
	creds := stscreds.NewCredentials(sess, cfg.RoleARN)
	return sess.Copy(&aws.Config{Credentials: creds}), nil
}

// Object is an object read from the backend.
type Object struct {
	Body        []byte
	ContentType string
}

// Proxy forwards bucket and object operations to the backend.
type Proxy struct {
	api    s3iface.S3API
	logger *zap.Logger
}

func NewProxy(api s3iface.S3API, logger *zap.Logger) *Proxy {
	return &Proxy{api: api, logger: logger}
}

// New is NewSession followed by NewProxy.
func New(cfg Config, logger *zap.Logger) (*Proxy, error) {
	sess, err := NewSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewProxy(s3.New(sess), logger), nil
}

// ValidateBucketName applies the S3 naming rules the backend enforces, so
// bad names are refused without a round trip.
func ValidateBucketName(name string) error {
	if strings.HasPrefix(name, "xn--") {
		return fmt.Errorf("%w: %q can't start with xn--", ErrInvalidBucketName, name)
	}
	if strings.HasSuffix(name, "-s3alias") {
		return fmt.Errorf("%w: %q can't end with -s3alias", ErrInvalidBucketName, name)
	}
	if !bucketNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q does not match %s", ErrInvalidBucketName, name, bucketNamePattern)
	}
	return nil
}

// BucketLocation returns the region constraint of bucket. An empty
// constraint is us-east-1.
func (p *Proxy) BucketLocation(ctx context.Context, bucket string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}

	out, err := p.api.GetBucketLocationWithContext(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		p.logger.Error("GetBucketLocation failed", zap.String("bucket", bucket), zap.Error(err))
		return "", err
	}

	location := aws.StringValue(out.LocationConstraint)
	if location == "" {
		location = "us-east-1"
	}
	return location, nil
}

func (p *Proxy) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	if err := validateObjectRef(bucket, key); err != nil {
		return nil, err
	}

	out, err := p.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		p.logger.Error("GetObject failed", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return nil, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}

	return &Object{
		Body:        body,
		ContentType: aws.StringValue(out.ContentType),
	}, nil
}

// PutObject stores body under key and returns the ETag the backend reports.
func (p *Proxy) PutObject(ctx context.Context, bucket, key string, body []byte) (string, error) {
	if err := validateObjectRef(bucket, key); err != nil {
		return "", err
	}

	out, err := p.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		p.logger.Error("PutObject failed", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return "", err
	}

	return aws.StringValue(out.ETag), nil
}

func validateObjectRef(bucket, key string) error {
	if err := ValidateBucketName(bucket); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	return nil
}

// StatusCode maps a proxy error to an HTTP status: validation errors are
// 400, backend request failures keep their status, everything else is 500.
func StatusCode(err error) int {
	if errors.Is(err, ErrInvalidBucketName) || errors.Is(err, ErrInvalidKey) {
		return http.StatusBadRequest
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() >= 400 {
		return reqErr.StatusCode()
	}
	return http.StatusInternalServerError
}

// ErrorCode returns the backend error code, e.g. "NoSuchBucket", or "".
func ErrorCode(err error) string {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return awsErr.Code()
	}
	return ""
}

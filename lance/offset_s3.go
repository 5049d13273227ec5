// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3OffsetStore keeps one object per (consumer, topic) under a bucket
// prefix, with the same decimal ASCII content as the file store. It lets
// consumers on different hosts share the same cursor.
type S3OffsetStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3OffsetStore builds the store from the S3 section of the consumer
// config. Static credentials and a custom endpoint (MinIO and friends)
// are optional; everything else falls back to the default AWS chain.
func NewS3OffsetStore(ctx context.Context, cfg S3Config) (*S3OffsetStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3OffsetStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3OffsetStore) key(consumer string, topicID uint32) string {
	return path.Join(s.prefix, fmt.Sprintf("%s-%d.offset", consumer, topicID))
}

// Load implements OffsetStore. A missing object or corrupt content reads
// as no stored offset.
func (s *S3OffsetStore) Load(ctx context.Context, consumer string, topicID uint32) (uint64, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(consumer, topicID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fetching offset object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, false, fmt.Errorf("reading offset object: %w", err)
	}

	offset, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return offset, true, nil
}

// Store implements OffsetStore. S3 PUTs are atomic per key, so there is
// no temp-object dance.
func (s *S3OffsetStore) Store(ctx context.Context, consumer string, topicID uint32, offset uint64) error {
	body := fmt.Sprintf("%d\n", offset)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(consumer, topicID)),
		Body:   bytes.NewReader([]byte(body)),
	})
	if err != nil {
		return fmt.Errorf("storing offset object: %w", err)
	}
	return nil
}

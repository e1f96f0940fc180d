// storage/s3.go
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Options configures an S3-compatible bucket (Cloudflare R2 by default).
type S3Options struct {
	AccountID       string // used to derive the R2 endpoint when Endpoint is empty
	Endpoint        string
	Region          string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// ConditionalWrites is false for targets that ignore If-None-Match; the
	// store then falls back to check-then-write.
	ConditionalWrites bool
	// SettleDelay bounds the random pause used by the fallback before it
	// re-reads its own write.
	SettleDelay time.Duration
}

type S3 struct {
	client      *s3.Client
	bucket      string
	conditional bool
	settle      time.Duration
}

// NewS3 builds the client the same way for R2 and for any other endpoint.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket name is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		if opts.AccountID == "" {
			return nil, fmt.Errorf("s3 store: either endpoint or account id is required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return NewS3FromClient(client, opts.Bucket, opts.ConditionalWrites, opts.SettleDelay), nil
}

func NewS3FromClient(client *s3.Client, bucket string, conditional bool, settle time.Duration) *S3 {
	if settle <= 0 {
		settle = 250 * time.Millisecond
	}
	return &S3{client: client, bucket: bucket, conditional: conditional, settle: settle}
}

func (s *S3) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	obj := &Object{Key: key, Data: data, Version: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		obj.ModifiedAt = out.LastModified.UTC()
	}
	return obj, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *S3) CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if !s.conditional {
		return s.checkThenWrite(ctx, key, data)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(key)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		if isNotImplemented(err) {
			return false, fmt.Errorf("%w: %s rejected If-None-Match, set S3_CONDITIONAL_WRITES=false", ErrConditionalWriteUnsupported, key)
		}
		return false, fmt.Errorf("failed to create %s: %w", key, err)
	}
	return true, nil
}

// checkThenWrite is the best-effort path for targets without If-None-Match.
// Two writers can both pass the existence check; the read-back after a random
// settle delay lets the one whose write was overwritten notice and back off.
// A window remains where both read back their own bytes if their writes and
// reads interleave exactly; that is accepted.
func (s *S3) checkThenWrite(ctx context.Context, key string, data []byte) (bool, error) {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return false, nil
	} else if !isNotFound(err) {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}

	if err := s.Put(ctx, key, data); err != nil {
		return false, err
	}

	delay := time.Duration(rand.Int64N(int64(s.settle))) + s.settle/2
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(delay):
	}

	obj, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(obj.Data, data), nil
}

func (s *S3) Delete(ctx context.Context, key string, ifVersion string) (bool, error) {
	in := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if ifVersion == "" {
		// S3 deletes of missing keys succeed, so look first to report whether
		// anything was removed.
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to check %s: %w", key, err)
		}
	} else {
		if s.conditional {
			in.IfMatch = aws.String(ifVersion)
		} else {
			current, err := s.Get(ctx, key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return false, nil
				}
				return false, err
			}
			if current.Version != ifVersion {
				return false, nil
			}
		}
	}
	if _, err := s.client.DeleteObject(ctx, in); err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return true, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		for _, item := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(item.Key), Version: aws.ToString(item.ETag)}
			if item.LastModified != nil {
				info.ModifiedAt = item.LastModified.UTC()
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == http.StatusPreconditionFailed || code == http.StatusConflict
	}
	return false
}

func isNotImplemented(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotImplemented" {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotImplemented
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".yml"), strings.HasSuffix(key, ".yaml"):
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}

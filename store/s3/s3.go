// Package s3 stores device histories as JSON objects in an S3-compatible
// bucket (AWS S3 or MinIO). One object per (participant, column):
//
//	<prefix><escaped participant>/<escaped column>.json
//
// Saves are conditional writes: If-None-Match "*" creates, If-Match <etag>
// replaces the object read when checking the version. A lost race comes
// back as 412 and is reported as generic.ErrConcurrentModification.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/store/codec"
)

const (
	defaultRegion = "us-east-1"
	defaultPrefix = "device-histories/"
	objectSuffix  = ".json"
)

// Config holds explicit construction parameters.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string // optional; custom endpoint such as MinIO
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	PathStyle       bool
}

// Store implements generic.HistoryScanner on S3.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ generic.HistoryScanner = (*Store)(nil)

// New creates an S3 history store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps a configured client. An empty prefix uses the default.
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) objectKey(key generic.HistoryKey) string {
	return s.prefix + url.PathEscape(string(key.Participant)) + "/" + url.PathEscape(string(key.Column)) + objectSuffix
}

func (s *Store) parseObjectKey(k string) (generic.HistoryKey, bool) {
	rest, ok := strings.CutPrefix(k, s.prefix)
	if !ok {
		return generic.HistoryKey{}, false
	}
	rest, ok = strings.CutSuffix(rest, objectSuffix)
	if !ok {
		return generic.HistoryKey{}, false
	}
	p, c, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(c, "/") {
		return generic.HistoryKey{}, false
	}
	participant, err := url.PathUnescape(p)
	if err != nil {
		return generic.HistoryKey{}, false
	}
	column, err := url.PathUnescape(c)
	if err != nil {
		return generic.HistoryKey{}, false
	}
	return generic.HistoryKey{Participant: generic.ParticipantID(participant), Column: generic.ColumnID(column)}, true
}

func (s *Store) Load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	h, _, err := s.get(ctx, key)
	return h, err
}

func (s *Store) get(ctx context.Context, key generic.HistoryKey) (generic.History, string, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return generic.History{}, "", generic.ErrNotFound
		}
		return generic.History{}, "", fmt.Errorf("get %s: %w", objKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return generic.History{}, "", fmt.Errorf("read %s: %w", objKey, err)
	}
	h, err := codec.Decode(data)
	if err != nil {
		return generic.History{}, "", err
	}
	h.Key = key
	return h, aws.ToString(out.ETag), nil
}

func (s *Store) Save(ctx context.Context, h generic.History) (int64, error) {
	current, etag, err := s.get(ctx, h.Key)
	switch {
	case errors.Is(err, generic.ErrNotFound):
		if h.Version != 0 {
			return 0, generic.ErrConcurrentModification
		}
	case err != nil:
		return 0, err
	case current.Version != h.Version:
		return 0, generic.ErrConcurrentModification
	}

	next := h
	next.Version = h.Version + 1
	data, err := codec.Encode(next)
	if err != nil {
		return 0, err
	}

	objKey := s.objectKey(h.Key)
	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return 0, generic.ErrConcurrentModification
		}
		return 0, fmt.Errorf("put %s: %w", objKey, err)
	}
	return next.Version, nil
}

func (s *Store) Keys(ctx context.Context) ([]generic.HistoryKey, error) {
	var keys []generic.HistoryKey
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &s.prefix})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.prefix, err)
		}
		for _, obj := range page.Contents {
			if key, ok := s.parseObjectKey(aws.ToString(obj.Key)); ok {
				keys = append(keys, key)
			}
		}
	}
	store.SortKeys(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "ConditionalRequestConflict") {
		return true
	}
	code := statusCode(err)
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

func statusCode(err error) int {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

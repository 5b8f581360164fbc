// Package s3 provides an entity store on an S3-compatible bucket (AWS S3 or
// MinIO). Each entity is one JSON object. Writes are conditional on the
// ETag read during the version check (If-Match, If-None-Match), so a
// concurrent writer makes the batch fail instead of being overwritten.
// S3 has no multi-object transaction: when a later write of a batch fails,
// the writes already made are compensated in reverse order.
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
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/untillpro/goutils/logger"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

const (
	defaultRegion = "us-east-1"
	objectSuffix  = ".json"
	contentType   = "application/json"
)

// Store implements document.MapStore on one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	mu     sync.Mutex
}

// Config holds explicit construction parameters.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix, e.g. "tenant-a/"
	Endpoint        string // optional; if set enables custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// New creates an S3 entity store from Config.
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
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) keyFor(ref domain.EntityReference) string {
	return s.prefix + url.PathEscape(string(ref)) + objectSuffix
}

// object is a document together with the ETag it was read at.
type object struct {
	etag string
	body []byte
	doc  *domain.EntityDocument
}

func (s *Store) read(ctx context.Context, ref domain.EntityReference) (*object, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return nil, domain.ErrEmptyReference
	}
	key := s.keyFor(ref)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, domain.EntityStoreError{Op: "s3 get", Reference: ref, Err: err}
	}
	defer func() { _ = out.Body.Close() }()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, domain.EntityStoreError{Op: "s3 get", Reference: ref, Err: err}
	}
	doc, err := domain.DecodeDocument(body)
	if err != nil {
		return nil, err
	}
	return &object{etag: aws.ToString(out.ETag), body: body, doc: doc}, nil
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	obj, err := s.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return obj.doc, nil
}

// errMissingETag rejects a conditional write whose guard would be empty.
var errMissingETag = errors.New("object has no ETag to guard the write")

// applied records a write made by ApplyChanges and how to undo it.
type applied struct {
	change   document.Change
	previous *object
	etag     string
}

// ApplyChanges checks versions against the current objects, then writes
// each change conditionally on the ETag that was checked.
func (s *Store) ApplyChanges(ctx context.Context, changes []document.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := make(map[domain.EntityReference]*object, len(changes))
	err := document.CheckVersions(changes, func(ref domain.EntityReference) (domain.Version, bool, error) {
		obj, err := s.read(ctx, ref)
		if domain.IsNotFound(err) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		current[ref] = obj
		return obj.doc.Version, true, nil
	})
	if err != nil {
		return err
	}
	done := make([]applied, 0, len(changes))
	for _, c := range changes {
		etag, err := s.write(ctx, c, current[c.Reference])
		if err != nil {
			s.compensate(done)
			if isPreconditionFailed(err) {
				if c.Kind == document.ChangeNew {
					return domain.EntityAlreadyExistsError{Reference: c.Reference}
				}
				return domain.ConcurrentModificationError{References: []domain.EntityReference{c.Reference}}
			}
			return domain.EntityStoreError{Op: "s3 " + c.Kind.String(), Reference: c.Reference, Err: err}
		}
		done = append(done, applied{change: c, previous: current[c.Reference], etag: etag})
	}
	logger.Verbose("s3 applied", len(changes), "changes")
	return nil
}

func (s *Store) write(ctx context.Context, c document.Change, previous *object) (string, error) {
	key := s.keyFor(c.Reference)
	if c.Kind != document.ChangeNew && previous != nil && previous.etag == "" {
		return "", errMissingETag
	}
	if c.Kind == document.ChangeRemove {
		input := &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}
		if previous != nil {
			input.IfMatch = aws.String(previous.etag)
		}
		_, err := s.client.DeleteObject(ctx, input)
		return "", err
	}
	body, err := domain.EncodeDocument(c.Document)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: bytes.NewReader(body), ContentType: aws.String(contentType)}
	if c.Kind == document.ChangeNew || previous == nil {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(previous.etag)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// compensate undoes done in reverse order on a fresh context. Failures are
// logged.
func (s *Store) compensate(done []applied) {
	ctx := context.Background()
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		key := s.keyFor(a.change.Reference)
		var err error
		switch {
		case a.change.Kind == document.ChangeNew:
			input := &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}
			if a.etag != "" {
				input.IfMatch = aws.String(a.etag)
			}
			_, err = s.client.DeleteObject(ctx, input)
		case a.previous != nil:
			input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: bytes.NewReader(a.previous.body), ContentType: aws.String(contentType)}
			if a.change.Kind == document.ChangeRemove {
				input.IfNoneMatch = aws.String("*")
			} else if a.etag != "" {
				input.IfMatch = aws.String(a.etag)
			}
			_, err = s.client.PutObject(ctx, input)
		}
		if err != nil {
			logger.Error("s3: compensating", a.change.Kind, a.change.Reference, "failed:", err)
		}
	}
}

// Visit lists the bucket prefix page by page and reads every document.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &s.prefix, ContinuationToken: token})
		if err != nil {
			return domain.EntityStoreError{Op: "s3 visit", Err: err}
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, objectSuffix) {
				continue
			}
			ref, err := url.PathUnescape(strings.TrimSuffix(name, objectSuffix))
			if err != nil {
				continue
			}
			doc, err := s.Get(ctx, domain.EntityReference(ref))
			if domain.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		return nil
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		// 409 ConditionalRequestConflict is returned when a concurrent
		// conditional write is in flight.
		return respErr.HTTPStatusCode() == http.StatusPreconditionFailed || respErr.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

// S3Options configures an S3Store. Endpoint and static credentials are
// optional; when set the store talks to an S3-compatible service such as
// MinIO using path-style addressing.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PollInterval    time.Duration
}

// S3Store keeps one JSON object per document under
// <prefix>/<collection>/<id>.json. Changes are detected by polling ETags.
type S3Store struct {
	client       *s3.Client
	uploader     *manager.Uploader
	credentials  aws.CredentialsProvider
	bucket       string
	prefix       string
	pollInterval time.Duration
	offline      atomic.Bool

	mu sync.Mutex
}

var _ propsync.RemoteStore = (*S3Store)(nil)

// NewS3Store loads the AWS configuration and builds the client. It does not
// contact the bucket; EnableNetwork does.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &S3Store{
		client:       client,
		uploader:     manager.NewUploader(client),
		credentials:  cfg.Credentials,
		bucket:       opts.Bucket,
		prefix:       strings.Trim(opts.Prefix, "/"),
		pollInterval: interval,
	}, nil
}

func (s *S3Store) checkOnline() error {
	if s.offline.Load() {
		return fmt.Errorf("s3 store offline: %w", propsync.ErrUnavailable)
	}
	return nil
}

func (s *S3Store) collectionPrefix(collection string) (string, error) {
	if collection == "" || strings.ContainsAny(collection, `/\`) {
		return "", fmt.Errorf("%w: invalid collection name %q", propsync.ErrValidation, collection)
	}
	return path.Join(s.prefix, collection) + "/", nil
}

func (s *S3Store) objectKey(collection, id string) (string, error) {
	prefix, err := s.collectionPrefix(collection)
	if err != nil {
		return "", err
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid document id %q", propsync.ErrValidation, id)
	}
	return prefix + id + ".json", nil
}

// listObjects returns every document object under the collection prefix.
func (s *S3Store) listObjects(ctx context.Context, collection string) ([]types.Object, error) {
	prefix, err := s.collectionPrefix(collection)
	if err != nil {
		return nil, err
	}
	var objects []types.Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(fmt.Errorf("listing %s: %w", collection, err))
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), ".json") {
				objects = append(objects, obj)
			}
		}
	}
	return objects, nil
}

func (s *S3Store) List(ctx context.Context, collection string) ([]model.WireEntity, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	objects, err := s.listObjects(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs := make([]model.WireEntity, 0, len(objects))
	for _, obj := range objects {
		doc, found, err := s.getObject(ctx, aws.ToString(obj.Key))
		if err != nil {
			return nil, err
		}
		if found {
			docs = append(docs, doc)
		}
	}
	model.SortWireNewestFirst(docs)
	return docs, nil
}

func (s *S3Store) Get(ctx context.Context, collection, id string) (model.WireEntity, bool, error) {
	if err := s.checkOnline(); err != nil {
		return model.WireEntity{}, false, err
	}
	key, err := s.objectKey(collection, id)
	if err != nil {
		return model.WireEntity{}, false, err
	}
	return s.getObject(ctx, key)
}

func (s *S3Store) getObject(ctx context.Context, key string) (model.WireEntity, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return model.WireEntity{}, false, nil
		}
		return model.WireEntity{}, false, mapS3Error(fmt.Errorf("getting %s: %w", key, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, propsync.MaxDocumentBytes+1))
	if err != nil {
		return model.WireEntity{}, false, fmt.Errorf("reading %s: %w", key, err)
	}
	doc, err := propsync.DecodeDocument(data)
	if err != nil {
		return model.WireEntity{}, false, fmt.Errorf("%s: %w", key, err)
	}
	return doc, true, nil
}

func (s *S3Store) Set(ctx context.Context, collection string, doc model.WireEntity) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	key, err := s.objectKey(collection, doc.ID)
	if err != nil {
		return err
	}
	return s.putObject(ctx, key, doc)
}

func (s *S3Store) putObject(ctx context.Context, key string, doc model.WireEntity) error {
	data, err := propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return mapS3Error(fmt.Errorf("uploading %s: %w", key, err))
	}
	return nil
}

// Update is a read-modify-write; S3 has no partial object update.
func (s *S3Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	key, err := s.objectKey(collection, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, found, err := s.getObject(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("updating %s/%s: %w", collection, id, propsync.ErrNotFound)
	}
	doc, err = model.ApplyUpdates(doc, fields)
	if err != nil {
		return err
	}
	return s.putObject(ctx, key, doc)
}

func (s *S3Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	key, err := s.objectKey(collection, id)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error(fmt.Errorf("deleting %s: %w", key, err))
	}
	return nil
}

func (s *S3Store) Listen(ctx context.Context, collection string, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	p := pollListener{
		interval: s.pollInterval,
		fingerprint: func(ctx context.Context) (string, error) {
			if err := s.checkOnline(); err != nil {
				return "", err
			}
			objects, err := s.listObjects(ctx, collection)
			if err != nil {
				return "", err
			}
			return objectsFingerprint(objects), nil
		},
		list: func(ctx context.Context) ([]model.WireEntity, error) {
			return s.List(ctx, collection)
		},
	}
	return p.start(ctx, onSnapshot, onError)
}

func objectsFingerprint(objects []types.Object) string {
	lines := make([]string, 0, len(objects))
	for _, obj := range objects {
		lines = append(lines, aws.ToString(obj.Key)+":"+aws.ToString(obj.ETag))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// EnableNetwork checks the bucket is reachable and clears the offline flag.
func (s *S3Store) EnableNetwork(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return mapS3Error(fmt.Errorf("checking bucket %s: %w", s.bucket, err))
	}
	s.offline.Store(false)
	return nil
}

func (s *S3Store) DisableNetwork(ctx context.Context) error {
	s.offline.Store(true)
	return nil
}

// RefreshCredentials drops cached credentials so the next request
// re-resolves them from the provider chain.
func (s *S3Store) RefreshCredentials(ctx context.Context) error {
	cache, ok := s.credentials.(*aws.CredentialsCache)
	if !ok {
		return nil
	}
	cache.Invalidate()
	if _, err := cache.Retrieve(ctx); err != nil {
		return mapS3Error(fmt.Errorf("retrieving credentials: %w", err))
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

// mapS3Error tags S3 API errors with the sentinel the retry classifier
// understands.
func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "Forbidden":
		return fmt.Errorf("%w: %w", propsync.ErrPermissionDenied, err)
	case "EntityTooLarge":
		return fmt.Errorf("%w: %w", propsync.ErrDocumentTooLarge, err)
	case "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %w", propsync.ErrNotFound, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return fmt.Errorf("%w: %w", propsync.ErrUnavailable, err)
	}
	return err
}

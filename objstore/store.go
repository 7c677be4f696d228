// Package objstore provides a facade over one S3 bucket. Every operation binds
// the bucket fixed at construction, logs failures once at error level and
// returns them as *Error with the original SDK error as cause.
//
// A Store holds no mutable state and is safe for concurrent use.
package objstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/cloudfacade/aws"
	"github.com/gurre/cloudfacade/logger"
	"github.com/gurre/cloudfacade/metrics"
	"github.com/gurre/s3streamer"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxKeys is used by List when maxKeys is not positive.
	DefaultMaxKeys int32 = 1000

	// DefaultPresignExpiry is used by the presign operations when expiry is not positive.
	DefaultPresignExpiry = 900 * time.Second

	// DefaultMultipartThreshold is the payload size above which uploads switch to multipart.
	DefaultMultipartThreshold int64 = 100 * 1024 * 1024

	// DefaultPartSize is the size of every multipart part except the last.
	DefaultPartSize int64 = 100 * 1024 * 1024

	// DefaultPartConcurrency keeps part uploads strictly sequential.
	DefaultPartConcurrency = 1
)

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	StorageClass string
}

// ObjectMetadata is the result of Describe.
type ObjectMetadata struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	StorageClass string
	Metadata     map[string]string
}

// Options configures optional collaborators and the upload strategy.
// Zero values select the defaults.
type Options struct {
	Logger    *zerolog.Logger
	Presigner aws.Presigner
	Streamer  s3streamer.Streamer
	Metrics   metrics.Recorder

	MultipartThreshold int64 // Payloads strictly larger than this use multipart
	PartSize           int64 // Size of each multipart part
	PartConcurrency    int   // Parts in flight at once
}

// Store is the object store facade bound to a single bucket.
type Store struct {
	client    aws.S3Client
	presigner aws.Presigner
	streamer  s3streamer.Streamer
	metrics   metrics.Recorder
	log       zerolog.Logger
	bucket    string

	threshold   int64
	partSize    int64
	concurrency int
}

// New creates a Store bound to bucket.
//
//	store := objstore.New(aws.NewS3Client(s3.NewFromConfig(cfg)), "my-bucket", objstore.Options{
//	    Logger:    &log,
//	    Presigner: aws.NewPresigner(rawClient),
//	})
func New(client aws.S3Client, bucket string, opts Options) *Store {
	s := &Store{
		client:      client,
		presigner:   opts.Presigner,
		streamer:    opts.Streamer,
		metrics:     opts.Metrics,
		log:         logger.OrNop(opts.Logger).With().Str("component", "objstore").Logger(),
		bucket:      bucket,
		threshold:   opts.MultipartThreshold,
		partSize:    opts.PartSize,
		concurrency: opts.PartConcurrency,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultMultipartThreshold
	}
	if s.partSize <= 0 {
		s.partSize = DefaultPartSize
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultPartConcurrency
	}
	return s
}

// Bucket returns the bucket the Store is bound to.
func (s *Store) Bucket() string {
	return s.bucket
}

// fail logs err at error level and wraps it in *Error.
func (s *Store) fail(op, key, msg string, err error) error {
	s.log.Error().Err(err).Str("op", op).Str("bucket", s.bucket).Str("key", key).Msg(msg)
	return &Error{Op: op, Bucket: s.bucket, Key: key, Msg: msg, Err: err}
}

func (s *Store) record(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordCall(op, err)
	}
}

// List returns up to maxKeys objects under prefix in the order the service
// returned them. A response without contents yields an empty slice.
func (s *Store) List(ctx context.Context, prefix string, maxKeys int32) ([]ObjectInfo, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  awssdk.String(s.bucket),
		Prefix:  awssdk.String(prefix),
		MaxKeys: awssdk.Int32(maxKeys),
	})
	s.record(OpList, err)
	if err != nil {
		return nil, s.fail(OpList, "", msgList, err)
	}

	objects := make([]ObjectInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		objects = append(objects, ObjectInfo{
			Key:          awssdk.ToString(obj.Key),
			Size:         awssdk.ToInt64(obj.Size),
			ETag:         awssdk.ToString(obj.ETag),
			LastModified: awssdk.ToTime(obj.LastModified),
			StorageClass: string(obj.StorageClass),
		})
	}
	return objects, nil
}

// Describe returns the metadata of key without fetching its body.
func (s *Store) Describe(ctx context.Context, key string) (ObjectMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	s.record(OpDescribe, err)
	if err != nil {
		return ObjectMetadata{}, s.fail(OpDescribe, key, msgDescribe, err)
	}

	return ObjectMetadata{
		Key:          key,
		Size:         awssdk.ToInt64(out.ContentLength),
		ContentType:  awssdk.ToString(out.ContentType),
		ETag:         awssdk.ToString(out.ETag),
		LastModified: awssdk.ToTime(out.LastModified),
		StorageClass: string(out.StorageClass),
		Metadata:     out.Metadata,
	}, nil
}

// Upload stores body under key, choosing a single put or a multipart upload
// by size. body is consumed exactly once. See upload.go for the strategy.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader) error {
	n, err := s.upload(ctx, key, body)
	s.record(OpUpload, err)
	if err != nil {
		return s.fail(OpUpload, key, msgUpload, err)
	}
	if s.metrics != nil {
		s.metrics.RecordBytes(OpUpload, n)
	}
	s.log.Debug().Str("key", key).Int64("size", n).Msg("uploaded object")
	return nil
}

// UploadBytes stores data under key.
func (s *Store) UploadBytes(ctx context.Context, key string, data []byte) error {
	return s.Upload(ctx, key, bytes.NewReader(data))
}

// UploadString stores the UTF-8 bytes of data under key.
func (s *Store) UploadString(ctx context.Context, key string, data string) error {
	return s.Upload(ctx, key, strings.NewReader(data))
}

// Download returns the body of key. The caller owns the stream and must
// drain and close it.
func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	s.record(OpDownload, err)
	if err != nil {
		return nil, s.fail(OpDownload, key, msgDownload, err)
	}
	return out.Body, nil
}

// Delete removes key from the bucket.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	s.record(OpDelete, err)
	if err != nil {
		return s.fail(OpDelete, key, msgDelete, err)
	}
	return nil
}

// PresignDownload returns a URL granting GET access to key for expiry.
func (s *Store) PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	if s.presigner == nil {
		s.record(OpPresignDownload, ErrNoPresigner)
		return "", s.fail(OpPresignDownload, key, msgPresignDownload, ErrNoPresigner)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	}, s3.WithPresignExpires(expiry))
	s.record(OpPresignDownload, err)
	if err != nil {
		return "", s.fail(OpPresignDownload, key, msgPresignDownload, err)
	}
	return req.URL, nil
}

// PresignUpload returns a URL granting PUT access to key for expiry.
func (s *Store) PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	if s.presigner == nil {
		s.record(OpPresignUpload, ErrNoPresigner)
		return "", s.fail(OpPresignUpload, key, msgPresignUpload, ErrNoPresigner)
	}

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	}, s3.WithPresignExpires(expiry))
	s.record(OpPresignUpload, err)
	if err != nil {
		return "", s.fail(OpPresignUpload, key, msgPresignUpload, err)
	}
	return req.URL, nil
}

// StreamLines calls fn for every line of key starting at byte offset. As with
// s3streamer, fn receives the offset of the start of each line counted from
// offset, not from the start of the object. Empty objects and offsets at or
// past the end are errors. Errors returned by fn abort the stream and are
// wrapped like any other failure.
func (s *Store) StreamLines(ctx context.Context, key string, offset int64, fn func(line []byte, offset int64) error) error {
	if s.streamer == nil {
		s.record(OpStreamLines, ErrNoStreamer)
		return s.fail(OpStreamLines, key, msgStreamLines, ErrNoStreamer)
	}

	err := s.streamer.Stream(ctx, s.bucket, key, offset, fn)
	s.record(OpStreamLines, err)
	if err != nil {
		return s.fail(OpStreamLines, key, msgStreamLines, err)
	}
	return nil
}

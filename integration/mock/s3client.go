package mock

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type object struct {
	data         []byte
	etag         string
	contentType  string
	metadata     map[string]string
	lastModified time.Time
}

type multipartUpload struct {
	bucket string
	key    string
	parts  map[int32][]byte
}

// S3Client is an in-memory implementation of aws.S3Client, aws.Presigner and
// s3streamer.S3Client. Objects are keyed by bucket/key. It is safe for
// concurrent use.
type S3Client struct {
	mu      sync.RWMutex
	objects map[string]*object
	uploads map[string]*multipartUpload
	nextID  int

	// Aborted and Completed count finished multipart sessions.
	Aborted   int
	Completed int

	// FailPart makes UploadPart fail for this part number when non-zero.
	FailPart int32
}

// NewS3Client creates an empty in-memory S3.
func NewS3Client() *S3Client {
	return &S3Client{
		objects: make(map[string]*object),
		uploads: make(map[string]*multipartUpload),
	}
}

func bucketKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func etagOf(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

func noSuchKey(key *string) error {
	return &types.NoSuchKey{Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", aws.ToString(key)))}
}

// Put stores an object directly, bypassing the client API.
func (m *S3Client) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = &object{data: data, etag: etagOf(data), lastModified: time.Now()}
}

// Object returns the stored bytes of bucket/key.
func (m *S3Client) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// OpenUploads returns the number of multipart sessions neither completed nor aborted.
func (m *S3Client) OpenUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// ListObjectsV2 returns keys under Prefix in lexicographic order, up to MaxKeys.
func (m *S3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	maxKeys := int(aws.ToInt32(params.MaxKeys))
	truncated := false
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
		truncated = true
	}

	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(truncated),
		KeyCount:    aws.Int32(int32(len(keys))),
	}
	for _, k := range keys {
		obj := m.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(strings.TrimPrefix(k, aws.ToString(params.Bucket)+"/")),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(obj.etag),
			LastModified: aws.Time(obj.lastModified),
			StorageClass: types.ObjectStorageClassStandard,
		})
	}
	return out, nil
}

// HeadObject implements the S3Client interface for retrieving object metadata
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[bucketKey(params.Bucket, params.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.lastModified),
		Metadata:      obj.metadata,
	}, nil
}

// GetObject implements the S3Client interface for reading objects
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[bucketKey(params.Bucket, params.Key)]
	if !ok {
		return nil, noSuchKey(params.Key)
	}

	data := obj.data
	out := &s3.GetObjectOutput{
		ETag:     aws.String(obj.etag),
		Metadata: obj.metadata,
	}
	if params.Range != nil {
		start, end, err := parseRange(aws.ToString(params.Range), int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.data)))
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = aws.Int64(int64(len(data)))
	return out, nil
}

// parseRange handles the single "bytes=start-end" form s3streamer sends. An
// end past the object is clamped like S3 does.
func parseRange(header string, size int64) (int64, int64, error) {
	var start, end int64
	if _, err := fmt.Sscanf(header, "bytes=%d-%d", &start, &end); err != nil {
		return 0, 0, fmt.Errorf("InvalidArgument: unsupported range %q: %w", header, err)
	}
	if start < 0 || start >= size || end < start {
		return 0, 0, fmt.Errorf("InvalidRange: %q for object of %d bytes", header, size)
	}
	return start, min(end, size-1), nil
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d does not match body of %d bytes", *params.ContentLength, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj := &object{
		data:         data,
		etag:         etagOf(data),
		contentType:  aws.ToString(params.ContentType),
		metadata:     params.Metadata,
		lastModified: time.Now(),
	}
	m.objects[bucketKey(params.Bucket, params.Key)] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

// DeleteObject succeeds whether or not the key exists, like S3.
func (m *S3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucketKey(params.Bucket, params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// CreateMultipartUpload opens a session and returns its upload ID.
func (m *S3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &multipartUpload{
		bucket: aws.ToString(params.Bucket),
		key:    aws.ToString(params.Key),
		parts:  make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(id),
	}, nil
}

// UploadPart stores one part of an open session.
func (m *S3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	num := aws.ToInt32(params.PartNumber)
	if m.FailPart != 0 && num == m.FailPart {
		return nil, fmt.Errorf("injected failure for part %d", num)
	}
	up, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist")}
	}
	up.parts[num] = data
	return &s3.UploadPartOutput{ETag: aws.String(etagOf(data))}, nil
}

// CompleteMultipartUpload assembles the listed parts, which must be in
// ascending part-number order, into the final object.
func (m *S3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(params.UploadId)
	up, ok := m.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist")}
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, fmt.Errorf("InvalidRequest: no parts")
	}

	var buf bytes.Buffer
	var last int32
	for _, p := range params.MultipartUpload.Parts {
		num := aws.ToInt32(p.PartNumber)
		if num <= last {
			return nil, fmt.Errorf("InvalidPartOrder: part %d after %d", num, last)
		}
		data, ok := up.parts[num]
		if !ok {
			return nil, fmt.Errorf("InvalidPart: part %d was not uploaded", num)
		}
		if aws.ToString(p.ETag) != etagOf(data) {
			return nil, fmt.Errorf("InvalidPart: etag mismatch for part %d", num)
		}
		buf.Write(data)
		last = num
	}

	data := buf.Bytes()
	m.objects[up.bucket+"/"+up.key] = &object{data: data, etag: etagOf(data), lastModified: time.Now()}
	delete(m.uploads, id)
	m.Completed++
	return &s3.CompleteMultipartUploadOutput{
		Bucket: params.Bucket,
		Key:    params.Key,
		ETag:   aws.String(etagOf(data)),
	}, nil
}

// AbortMultipartUpload discards an open session and its parts.
func (m *S3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := aws.ToString(params.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist")}
	}
	delete(m.uploads, id)
	m.Aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

// PresignGetObject returns an unsigned URL carrying the requested expiry.
func (m *S3Client) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return presign(http.MethodGet, aws.ToString(params.Bucket), aws.ToString(params.Key), optFns)
}

// PresignPutObject returns an unsigned URL carrying the requested expiry.
func (m *S3Client) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return presign(http.MethodPut, aws.ToString(params.Bucket), aws.ToString(params.Key), optFns)
}

func presign(method, bucket, key string, optFns []func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	u := url.URL{
		Scheme:   "https",
		Host:     bucket + ".s3.localhost",
		Path:     "/" + key,
		RawQuery: url.Values{"X-Amz-Expires": {fmt.Sprint(int64(opts.Expires.Seconds()))}}.Encode(),
	}
	return &v4.PresignedHTTPRequest{URL: u.String(), Method: method, SignedHeader: http.Header{}}, nil
}

package objstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// fakeS3 implements aws.S3Client, recording every call in order.
type fakeS3 struct {
	mu    sync.Mutex
	calls []string

	listIn  *s3.ListObjectsV2Input
	listOut *s3.ListObjectsV2Output
	headOut *s3.HeadObjectOutput

	put       []byte
	parts     map[int32][]byte
	partOrder []int32
	completed *s3.CompleteMultipartUploadInput

	errs     map[string]error // keyed by method name
	failPart int32            // UploadPart fails for this part number when errs["UploadPart"] is set
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		parts: make(map[int32][]byte),
		errs:  make(map[string]error),
	}
}

func (f *fakeS3) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.errs[op]
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listIn = params
	if err := f.record("ListObjectsV2"); err != nil {
		return nil, err
	}
	if f.listOut == nil {
		return &s3.ListObjectsV2Output{}, nil
	}
	return f.listOut, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := f.record("HeadObject"); err != nil {
		return nil, err
	}
	if f.headOut == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headOut, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.record("GetObject"); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("content of " + awssdk.ToString(params.Key)))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.record("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.put = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{ETag: awssdk.String("\"put\"")}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.record("DeleteObject"); err != nil {
		return nil, err
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := f.record("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	return &s3.CreateMultipartUploadOutput{UploadId: awssdk.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	pn := awssdk.ToInt32(params.PartNumber)
	f.mu.Lock()
	f.calls = append(f.calls, "UploadPart")
	f.partOrder = append(f.partOrder, pn)
	err := f.errs["UploadPart"]
	f.mu.Unlock()

	if err != nil && (f.failPart == 0 || f.failPart == pn) {
		return nil, err
	}
	data, rerr := io.ReadAll(params.Body)
	if rerr != nil {
		return nil, rerr
	}
	f.mu.Lock()
	f.parts[pn] = data
	f.mu.Unlock()
	return &s3.UploadPartOutput{ETag: awssdk.String(fmt.Sprintf("\"etag-%d\"", pn))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = params
	if err := f.record("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := f.record("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// fakePresigner implements aws.Presigner and captures the resolved expiry.
type fakePresigner struct {
	err     error
	options s3.PresignOptions
}

func (p *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	for _, fn := range optFns {
		fn(&p.options)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Signature=get", awssdk.ToString(params.Bucket), awssdk.ToString(params.Key)),
		Method: "GET",
	}, nil
}

func (p *fakePresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	for _, fn := range optFns {
		fn(&p.options)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Signature=put", awssdk.ToString(params.Bucket), awssdk.ToString(params.Key)),
		Method: "PUT",
	}, nil
}

// fakeStreamer implements s3streamer.Streamer over an in-memory body with the
// library's contract: fn gets the start of each line relative to offset, and
// empty bodies or offsets at or past the end fail.
type fakeStreamer struct {
	body string
	err  error
}

func (s *fakeStreamer) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	if s.err != nil {
		return s.err
	}
	if len(s.body) == 0 {
		return fmt.Errorf("object is empty")
	}
	if offset >= int64(len(s.body)) {
		return fmt.Errorf("offset %d exceeds object size %d", offset, len(s.body))
	}
	scanner := bufio.NewScanner(strings.NewReader(s.body[offset:]))
	var pos int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := fn(line, pos); err != nil {
			return fmt.Errorf("error processing line: %w", err)
		}
		pos += int64(len(line)) + 1
	}
	return scanner.Err()
}

// opaqueReader hides the Len method of the wrapped reader so the upload path
// has to discover the size incrementally.
type opaqueReader struct {
	r io.Reader
}

func (o *opaqueReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

// logEntries decodes zerolog JSON lines.
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func newTestLogger(buf *bytes.Buffer) *zerolog.Logger {
	log := zerolog.New(buf).Level(zerolog.DebugLevel)
	return &log
}

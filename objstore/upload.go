package objstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// sizedReader is satisfied by *bytes.Reader and *strings.Reader, whose
// remaining length is known before reading.
type sizedReader interface {
	io.ReadSeeker
	Len() int
}

// upload classifies body as small (size <= threshold) or large and performs a
// single PutObject or a multipart upload accordingly. It returns the number of
// bytes uploaded. Errors are returned unwrapped.
//
// Sources of unknown length are classified incrementally: at most threshold
// bytes are buffered, then a one-byte peek decides whether more data follows.
func (s *Store) upload(ctx context.Context, key string, body io.Reader) (int64, error) {
	if sr, ok := body.(sizedReader); ok && int64(sr.Len()) <= s.threshold {
		size := int64(sr.Len())
		return size, s.putObject(ctx, key, sr, size)
	}

	br := bufio.NewReader(body)
	head, err := io.ReadAll(io.LimitReader(br, s.threshold))
	if err != nil {
		return 0, err
	}

	if _, err := br.Peek(1); err != nil {
		if !errors.Is(err, io.EOF) {
			return 0, err
		}
		size := int64(len(head))
		return size, s.putObject(ctx, key, bytes.NewReader(head), size)
	}

	return s.uploadMultipart(ctx, key, io.MultiReader(bytes.NewReader(head), br))
}

func (s *Store) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        awssdk.String(s.bucket),
		Key:           awssdk.String(key),
		Body:          body,
		ContentLength: awssdk.Int64(size),
	})
	return err
}

// uploadMultipart initiates a session, uploads src in partSize parts numbered
// from 1 and completes the session with every part in part-number order.
// Completion waits for all in-flight parts. Any failure after initiation
// aborts the session before the error is returned.
func (s *Store) uploadMultipart(ctx context.Context, key string, src io.Reader) (int64, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	if err != nil {
		return 0, err
	}
	uploadID := awssdk.ToString(created.UploadId)

	parts, total, err := s.uploadParts(ctx, key, uploadID, src)
	if err == nil {
		_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          awssdk.String(s.bucket),
			Key:             awssdk.String(key),
			UploadId:        awssdk.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
	}
	if err != nil {
		s.abortMultipart(ctx, key, uploadID)
		return total, err
	}

	s.log.Debug().Str("key", key).Str("uploadId", uploadID).Int("parts", len(parts)).Msg("completed multipart upload")
	return total, nil
}

func (s *Store) uploadParts(ctx context.Context, key, uploadID string, src io.Reader) ([]types.CompletedPart, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var (
		mu      sync.Mutex
		parts   []types.CompletedPart
		total   int64
		count   int
		readErr error
	)

	for partNumber := int32(1); ; partNumber++ {
		if gctx.Err() != nil {
			break
		}

		buf := make([]byte, s.partSize)
		n, err := io.ReadFull(src, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			readErr = err
			break
		}
		if n == 0 {
			break
		}
		buf = buf[:n]
		total += int64(n)
		count++

		pn := partNumber
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        awssdk.String(s.bucket),
				Key:           awssdk.String(key),
				UploadId:      awssdk.String(uploadID),
				PartNumber:    awssdk.Int32(pn),
				Body:          bytes.NewReader(buf),
				ContentLength: awssdk.Int64(int64(len(buf))),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: awssdk.Int32(pn)})
			mu.Unlock()
			return nil
		})

		if int64(n) < s.partSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return nil, total, err
	}
	if readErr != nil {
		return nil, total, readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, total, err
	}
	if len(parts) != count {
		return nil, total, ErrIncompleteUpload
	}

	sort.Slice(parts, func(i, j int) bool {
		return awssdk.ToInt32(parts[i].PartNumber) < awssdk.ToInt32(parts[j].PartNumber)
	})
	return parts, total, nil
}

// abortMultipart discards a failed session so its parts stop accruing storage.
// It runs even when ctx is cancelled; a failed abort is only logged.
func (s *Store) abortMultipart(ctx context.Context, key, uploadID string) {
	_, err := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   awssdk.String(s.bucket),
		Key:      awssdk.String(key),
		UploadId: awssdk.String(uploadID),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("bucket", s.bucket).Str("key", key).Str("uploadId", uploadID).
			Msg("failed to abort multipart upload")
	}
}

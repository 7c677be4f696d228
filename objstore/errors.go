package objstore

import (
	"errors"
	"fmt"
)

// Operation names used in errors, log entries and metrics.
const (
	OpList            = "list"
	OpDescribe        = "describe"
	OpUpload          = "upload"
	OpDownload        = "download"
	OpDelete          = "delete"
	OpPresignDownload = "presign-download"
	OpPresignUpload   = "presign-upload"
	OpStreamLines     = "stream-lines"
)

// Fixed messages attached to every Error, one per operation.
const (
	msgList            = "failed to list objects"
	msgDescribe        = "failed to describe object"
	msgUpload          = "failed to upload object"
	msgDownload        = "failed to download object"
	msgDelete          = "failed to delete object"
	msgPresignDownload = "failed to presign download URL"
	msgPresignUpload   = "failed to presign upload URL"
	msgStreamLines     = "failed to stream object lines"
)

var (
	// ErrNoPresigner is the cause when a presign operation runs on a Store built without a Presigner.
	ErrNoPresigner = errors.New("objstore: no presigner configured")

	// ErrNoStreamer is the cause when StreamLines runs on a Store built without a Streamer.
	ErrNoStreamer = errors.New("objstore: no streamer configured")

	// ErrIncompleteUpload is the cause when a multipart upload finished with parts missing.
	ErrIncompleteUpload = errors.New("objstore: multipart upload is missing parts")
)

// Error is the only error type returned by Store. Err holds the original
// failure unchanged so errors.Is and errors.As reach SDK error types.
type Error struct {
	Op     string // Operation that failed, one of the Op* constants
	Bucket string // Bucket the Store is bound to
	Key    string // Object key, empty for list
	Msg    string // Fixed human-readable description of the failure
	Err    error  // Underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target = e.Bucket + "/" + e.Key
	}
	if e.Err == nil {
		return fmt.Sprintf("objstore: %s %s: %s", e.Op, target, e.Msg)
	}
	return fmt.Sprintf("objstore: %s %s: %s: %v", e.Op, target, e.Msg, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

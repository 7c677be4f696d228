// Package checkpoint persists the progress of a line stream so an interrupted
// read can resume at the byte offset after the last handled line.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
)

// State is the progress of one object's line stream.
type State struct {
	Key    string `json:"key"`    // Object being streamed
	Offset int64  `json:"offset"` // Byte offset after the last handled line
	Lines  int64  `json:"lines"`  // Lines handled so far
	Done   bool   `json:"done"`   // Whole object handled
}

// Store saves and loads checkpoint state.
// Example:
//
//	state, err := store.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	state.Offset = 1024
//	err = store.Save(ctx, state)
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Objects is the subset of *objstore.Store an ObjectStore needs.
type Objects interface {
	Bucket() string
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	UploadBytes(ctx context.Context, key string, data []byte) error
}

// ObjectStore keeps the checkpoint as a JSON object in the bucket.
type ObjectStore struct {
	objects Objects
	key     string
}

// NewObjectStore creates a Store backed by the object at key.
func NewObjectStore(objects Objects, key string) *ObjectStore {
	return &ObjectStore{objects: objects, key: key}
}

// Open returns a Store for uri. s3://bucket/key must name the bucket objects
// is bound to; file:///path must be absolute.
func Open(uri string, objects Objects) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint URI: %w", err)
	}

	switch u.Scheme {
	case "s3":
		if objects == nil || u.Host != objects.Bucket() {
			return nil, fmt.Errorf("checkpoint bucket %q must match the configured bucket", u.Host)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return nil, fmt.Errorf("checkpoint URI must include a key: %s", uri)
		}
		return NewObjectStore(objects, key), nil
	case "file":
		return NewFileStore(uri)
	default:
		return nil, fmt.Errorf("invalid checkpoint URI scheme: %s", u.Scheme)
	}
}

// Load returns the stored state, or an empty State when no checkpoint exists.
func (s *ObjectStore) Load(ctx context.Context) (State, error) {
	body, err := s.objects.Download(ctx, s.key)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return State{}, nil
		}
		// Also check for NotFound which some S3-compatible stores return
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = body.Close() }()

	var state State
	if err := json.NewDecoder(body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// Save overwrites the checkpoint object.
func (s *ObjectStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.objects.UploadBytes(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// FileStore keeps the checkpoint in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore from a file URI.
// The path must be absolute and is cleaned to prevent path traversal attacks.
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	cleanPath := filepath.Clean(u.Path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", cleanPath)
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileStore{path: cleanPath}, nil
}

// Load returns the stored state, or an empty State when the file is missing.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// Save writes the state to a temporary file and renames it over the checkpoint.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

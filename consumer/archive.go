package consumer

import (
	"context"
	"errors"
	"path"

	json "github.com/goccy/go-json"
	"github.com/gurre/cloudfacade/queue"
)

// ErrInvalidJSON is returned, wrapped with Permanent, for bodies that fail the
// JSON check of an archive handler.
var ErrInvalidJSON = errors.New("message body is not valid JSON")

// ObjectWriter is the subset of *objstore.Store an archive handler writes to.
type ObjectWriter interface {
	UploadString(ctx context.Context, key string, data string) error
}

// ArchiveHandler stores each message body as an object named
// <Prefix>/<message ID>.
type ArchiveHandler struct {
	Store       ObjectWriter
	Prefix      string
	RequireJSON bool // reject bodies that are not valid JSON
}

// Key returns the object key a message is archived under.
func (h ArchiveHandler) Key(msg queue.Message) string {
	name := msg.ID
	if h.RequireJSON {
		name += ".json"
	}
	if h.Prefix == "" {
		return name
	}
	return path.Join(h.Prefix, name)
}

// Handle implements Handler. Upload failures are retried; invalid JSON is
// rejected.
func (h ArchiveHandler) Handle(ctx context.Context, msg queue.Message) (Outcome, error) {
	if h.RequireJSON && !json.Valid([]byte(msg.Body)) {
		return Reject, Permanent(ErrInvalidJSON)
	}
	if err := h.Store.UploadString(ctx, h.Key(msg), msg.Body); err != nil {
		return Retry, err
	}
	return Ack, nil
}

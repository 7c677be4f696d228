package checkpoint

import (
	"context"
	"fmt"

	"github.com/gurre/cloudfacade/objstore"
)

// DefaultInterval is how many lines pass between checkpoint saves.
const DefaultInterval = 100

// LineStreamer streams an object's lines from a byte offset and reports its
// size. *objstore.Store satisfies it.
//
// StreamLines follows s3streamer: fn receives the offset of the start of each
// line, counted from the offset the stream began at.
type LineStreamer interface {
	StreamLines(ctx context.Context, key string, offset int64, fn func(line []byte, offset int64) error) error
	Describe(ctx context.Context, key string) (objstore.ObjectMetadata, error)
}

// Stream calls fn for every line of key, resuming after the last line a
// previous run checkpointed to store. fn receives the absolute offset of the
// start of each line. Progress is saved every interval lines and once more,
// marked Done, at the end. A checkpoint left by a different key is ignored and
// overwritten. A completed checkpoint for key makes Stream a no-op.
//
// A failure in fn stops the stream without saving, so lines since the last
// save are delivered again on the next run. Offsets count raw object bytes, so
// compressed objects cannot be resumed mid-stream.
func Stream(ctx context.Context, streamer LineStreamer, store Store, key string, interval int, fn func(line []byte, offset int64) error) (State, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	state, err := store.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to load checkpoint for %s: %w", key, err)
	}
	if state.Key != key {
		state = State{Key: key}
	}
	if state.Done {
		return state, nil
	}

	meta, err := streamer.Describe(ctx, key)
	if err != nil {
		return state, err
	}

	// The streamer rejects empty objects and offsets at or past the end.
	if state.Offset < meta.Size {
		start := state.Offset
		sinceSave := 0
		err = streamer.StreamLines(ctx, key, start, func(line []byte, offset int64) error {
			lineStart := start + offset
			if err := fn(line, lineStart); err != nil {
				return err
			}
			state.Offset = min(lineStart+int64(len(line))+1, meta.Size)
			state.Lines++
			sinceSave++
			if sinceSave < interval {
				return nil
			}
			sinceSave = 0
			if err := store.Save(ctx, state); err != nil {
				return fmt.Errorf("failed to save checkpoint for %s: %w", key, err)
			}
			return nil
		})
		if err != nil {
			return state, err
		}
	}

	state.Done = true
	if err := store.Save(ctx, state); err != nil {
		return state, fmt.Errorf("failed to save completion checkpoint for %s: %w", key, err)
	}
	return state, nil
}

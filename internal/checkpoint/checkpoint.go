// Package checkpoint is the checkpoint store (C5): a single durable blob
// recording orchestrator progress, written atomically so a crash mid-save
// never leaves a torn file behind.
package checkpoint

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"

	"gitlab.com/wikiarchiver/archiver/internal/model"
)

// FormatVersion is written into every saved checkpoint and checked on load.
// A mismatch is treated the same as corruption: the checkpoint is ignored.
const FormatVersion = "1"

// Store persists a single model.Checkpoint at a fixed path.
type Store struct {
	path   string
	logger zerolog.Logger
}

// New returns a Store backed by the blob at path.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the checkpoint. A missing, corrupt, or version-mismatched blob
// is reported as an empty checkpoint rather than an error, so the
// orchestrator always has a usable state to start from. Every such case
// except a missing file is logged at WARN.
func (s *Store) Load(ctx context.Context) model.Checkpoint {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("failed to read checkpoint, starting fresh")
		}
		return model.Checkpoint{}
	}

	var state model.Checkpoint
	if errE := x.Unmarshal(data, &state); errE != nil {
		s.logger.Warn().Err(errE).Str("path", s.path).Msg("checkpoint blob is corrupt, starting fresh")
		return model.Checkpoint{}
	}

	if state.Version != FormatVersion {
		s.logger.Warn().Str("path", s.path).Str("version", state.Version).Msg("checkpoint version mismatch, starting fresh")
		return model.Checkpoint{}
	}

	return state
}

// Resumable reports whether a loaded checkpoint's parameters match the
// current run's parameters closely enough to offer resume. A mismatch is
// logged by the caller and the checkpoint ignored.
//
// Parameters are compared through a JSON round trip rather than
// reflect.DeepEqual: state.Parameters always comes back from Load already
// decoded from JSON (so a namespace list is []any of float64), while
// currentParameters is built fresh by the caller in native Go types (a
// []int); comparing the raw values would always report a mismatch.
func Resumable(state model.Checkpoint, currentParameters map[string]any) bool {
	if state.Version == "" {
		return false
	}
	left, errE := x.MarshalWithoutEscapeHTML(state.Parameters)
	if errE != nil {
		return false
	}
	right, errE := x.MarshalWithoutEscapeHTML(currentParameters)
	if errE != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Save writes state atomically: it is written to a sibling temp file, fsynced,
// and renamed over the target so a reader never observes a partial blob.
func (s *Store) Save(ctx context.Context, state model.Checkpoint) errors.E {
	state.Version = FormatVersion

	data, errE := x.MarshalWithoutEscapeHTML(state)
	if errE != nil {
		return errors.WithStack(errE)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gomnd
		return errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Clear removes the checkpoint blob. Called on normal orchestrator
// termination; a missing file is not an error.
func (s *Store) Clear(ctx context.Context) errors.E {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

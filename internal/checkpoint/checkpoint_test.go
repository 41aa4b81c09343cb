package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchiver/archiver/internal/checkpoint"
	"gitlab.com/wikiarchiver/archiver/internal/model"
)

func testLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.New(filepath.Join(dir, "checkpoint.json"), testLogger(t))

	state := store.Load(context.Background())
	assert.Equal(t, model.Checkpoint{}, state)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.New(filepath.Join(dir, "checkpoint.json"), testLogger(t))

	state := model.Checkpoint{
		Parameters:          map[string]any{"namespaces": []any{0.0, 1.0}},
		Phase:               model.PhaseScrapingPages,
		NamespacesCompleted: []int{0},
		CompletedNewPages:   []int64{1, 2, 3},
	}

	errE := store.Save(context.Background(), state)
	require.NoError(t, errE, "% -+#.1v", errE)

	loaded := store.Load(context.Background())
	assert.Equal(t, checkpoint.FormatVersion, loaded.Version)
	assert.Equal(t, model.PhaseScrapingPages, loaded.Phase)
	assert.Equal(t, []int64{1, 2, 3}, loaded.CompletedNewPages)
}

func TestLoadCorruptBlobReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644)) //nolint:gomnd

	store := checkpoint.New(path, testLogger(t))
	state := store.Load(context.Background())
	assert.Equal(t, model.Checkpoint{}, state)
}

func TestLoadVersionMismatchReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"999"}`), 0o644)) //nolint:gomnd

	store := checkpoint.New(path, testLogger(t))
	state := store.Load(context.Background())
	assert.Equal(t, model.Checkpoint{}, state)
}

func TestClearRemovesBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	store := checkpoint.New(path, testLogger(t))

	errE := store.Save(context.Background(), model.Checkpoint{})
	require.NoError(t, errE, "% -+#.1v", errE)
	_, err := os.Stat(path)
	require.NoError(t, err)

	errE = store.Clear(context.Background())
	require.NoError(t, errE, "% -+#.1v", errE)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestResumable(t *testing.T) {
	params := map[string]any{"namespaces": []any{0.0}}
	state := model.Checkpoint{Version: checkpoint.FormatVersion, Parameters: params}

	assert.True(t, checkpoint.Resumable(state, params))
	assert.False(t, checkpoint.Resumable(state, map[string]any{"namespaces": []any{1.0}}))
	assert.False(t, checkpoint.Resumable(model.Checkpoint{}, params))
}

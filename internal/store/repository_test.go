package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/identifier"

	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/store"
)

func newTestRepository(t *testing.T) (context.Context, *store.Repository) {
	t.Helper()

	if os.Getenv("POSTGRES") == "" {
		t.Skip("POSTGRES is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()

	dbpool, errE := store.InitPostgres(ctx, os.Getenv("POSTGRES"), logger)
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = store.RetryTransaction(ctx, dbpool, pgx.ReadWrite, store.EnsureSchema, nil)
	require.NoError(t, errE, "% -+#.1v", errE)

	return ctx, store.NewRepository(dbpool)
}

func TestRepositoryPageLifecycle(t *testing.T) {
	ctx, repo := newTestRepository(t)

	page := model.Page{PageID: 1001, Namespace: 0, Title: "Go (programming language)"}
	errE := repo.UpsertPages(ctx, []model.Page{page})
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = repo.UpsertPages(ctx, []model.Page{page})
	require.NoError(t, errE, "% -+#.1v", errE)

	newIDs, errE := repo.FilterNewPages(ctx, []int64{1001, 1002})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []int64{1002}, newIDs)

	errE = repo.RenamePage(ctx, 1001, 0, "Go (language)")
	require.NoError(t, errE, "% -+#.1v", errE)

	infos, errE := repo.GetPageUpdateInfo(ctx, []int64{1001})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, infos, 1)
	assert.Equal(t, "Go (language)", infos[0].Title)
	assert.Equal(t, int64(0), infos[0].HighestRevisionID)

	errE = repo.MarkPageDeleted(ctx, 1001)
	require.NoError(t, errE, "% -+#.1v", errE)
}

func TestRepositoryRevisionsAndLinks(t *testing.T) {
	ctx, repo := newTestRepository(t)

	page := model.Page{PageID: 2001, Namespace: 0, Title: "Rust (programming language)"}
	require.NoError(t, repo.UpsertPages(ctx, []model.Page{page}))

	content := "[[Go (programming language)]] is mentioned here."
	rev := model.Revision{
		RevisionID: 5001, PageID: 2001, Timestamp: time.Now().UTC(),
		Comment: "initial", Size: int64(len(content)), SHA1: "abc123", Content: &content,
	}
	errE := repo.UpsertRevisions(ctx, []model.Revision{rev})
	require.NoError(t, errE, "% -+#.1v", errE)

	var collected []model.Revision
	errE = repo.StreamRevisions(ctx, 2001, func(r model.Revision) error {
		collected = append(collected, r)
		return nil
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, collected, 1)
	assert.Equal(t, int64(5001), collected[0].RevisionID)

	links := []model.Link{{SourcePageID: 2001, TargetTitle: "Go (programming language)", LinkType: model.LinkWikilink}}
	errE = repo.ReplaceOutgoingLinks(ctx, 2001, links)
	require.NoError(t, errE, "% -+#.1v", errE)
}

func TestRepositoryRunLifecycle(t *testing.T) {
	ctx, repo := newTestRepository(t)

	runID := identifier.New().String()
	errE := repo.BeginRun(ctx, runID, model.RunFull)
	require.NoError(t, errE, "% -+#.1v", errE)

	last, errE := repo.LastSuccessfulRunEndTime(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = repo.CompleteRun(ctx, runID, store.RunStats{PagesScraped: 10}, false)
	require.NoError(t, errE, "% -+#.1v", errE)

	newLast, errE := repo.LastSuccessfulRunEndTime(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, newLast)
	if last != nil {
		assert.True(t, newLast.After(*last) || newLast.Equal(*last))
	}

	runID2 := identifier.New().String()
	require.NoError(t, repo.BeginRun(ctx, runID2, model.RunIncremental))
	errE = repo.FailRun(ctx, runID2, "interrupted")
	require.NoError(t, errE, "% -+#.1v", errE)
}

func TestRepositoryFileChanges(t *testing.T) {
	ctx, repo := newTestRepository(t)

	file := model.File{Title: "File:Example.png", SHA1: "deadbeef", UploadedAt: time.Now().UTC()}
	errE := repo.RecordFileChanges(ctx, []model.File{file}, nil, nil)
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = repo.RecordFileChanges(ctx, nil, nil, []string{file.Title})
	require.NoError(t, errE, "% -+#.1v", errE)
}

package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/wikiarchiver/archiver/internal/checkpoint"
	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
	"gitlab.com/wikiarchiver/archiver/internal/store"
)

// ErrFirstRunRequiresFullScrape is returned when no prior successful run
// exists; the caller is expected to surface this as a directive to run the
// baseline orchestrator first.
var ErrFirstRunRequiresFullScrape = errors.Base("no prior successful run; run a full scrape first")

// IncrementalStats is the outcome of an incremental run.
type IncrementalStats struct {
	PagesNew            int
	PagesModified       int
	PagesDeleted        int
	PagesMoved          int
	RevisionsAdded      int
	FilesDownloaded     int
	Duration            time.Duration
	TotalPagesAffected  int
}

// Incremental is the incremental orchestrator (C13).
type Incremental struct {
	repo       *store.Repository
	checkpoint *checkpoint.Store
	detector   *scrape.ChangeDetector
	revisions  *scrape.RevisionFetcher
	files      *scrape.FileFetcher
	links      *scrape.LinkExtractor
	verifier   *Verifier
	logger     zerolog.Logger
}

// NewIncremental assembles an Incremental orchestrator from its collaborators.
func NewIncremental(
	repo *store.Repository, cp *checkpoint.Store, detector *scrape.ChangeDetector, revisions *scrape.RevisionFetcher,
	files *scrape.FileFetcher, links *scrape.LinkExtractor, verifier *Verifier, logger zerolog.Logger,
) *Incremental {
	return &Incremental{
		repo: repo, checkpoint: cp, detector: detector, revisions: revisions, files: files, links: links, verifier: verifier,
		logger: logger.With().Str("component", "incremental").Logger(),
	}
}

// Run detects upstream changes since the last successful run and applies
// them to the repository.
func (inc *Incremental) Run(ctx context.Context, namespaces []int) (IncrementalStats, errors.E) {
	started := time.Now()

	changes, errE := inc.detector.Detect(ctx, namespaces)
	if errE != nil {
		return IncrementalStats{}, errE
	}
	if changes.RequiresFullScrape {
		return IncrementalStats{}, errors.WithStack(ErrFirstRunRequiresFullScrape)
	}

	runID := identifier.New().String()
	if errE := inc.repo.BeginRun(ctx, runID, model.RunIncremental); errE != nil {
		return IncrementalStats{}, errE
	}

	parameters := map[string]any{"namespaces": namespaces}
	state := model.Checkpoint{
		StartedAt:  started,
		LastUpdate: started,
		Parameters: parameters,
		Phase:      model.PhaseScrapingPages,
	}
	if loaded := inc.checkpoint.Load(ctx); checkpoint.Resumable(loaded, parameters) {
		inc.logger.Info().
			Int("newPagesCompleted", len(loaded.CompletedNewPages)).
			Int("modifiedPagesCompleted", len(loaded.CompletedModifiedPages)).
			Int("deletedPagesCompleted", len(loaded.CompletedDeletedPages)).
			Msg("resuming incremental run from existing checkpoint")
		state = loaded
	} else if loaded.Version != "" {
		inc.logger.Warn().Msg("existing checkpoint parameters do not match this run, discarding and starting fresh")
	}
	inc.save(ctx, &state)

	completedNew := make(map[int64]bool, len(state.CompletedNewPages))
	for _, id := range state.CompletedNewPages {
		completedNew[id] = true
	}
	completedModified := make(map[int64]bool, len(state.CompletedModifiedPages))
	for _, id := range state.CompletedModifiedPages {
		completedModified[id] = true
	}
	completedDeleted := make(map[int64]bool, len(state.CompletedDeletedPages))
	for _, id := range state.CompletedDeletedPages {
		completedDeleted[id] = true
	}

	stats := IncrementalStats{}

	newIDs, errE := inc.repo.FilterNewPages(ctx, changes.NewPageIDs.ToSlice())
	if errE != nil {
		return inc.fail(ctx, runID, interruptCause(ctx, errE))
	}
	for _, pageID := range newIDs {
		if completedNew[pageID] {
			continue
		}
		revCount, errE := inc.scrapeNewPageRevisions(ctx, pageID)
		if errE != nil {
			inc.logger.Error().Err(errE).Int64("pageId", pageID).Msg("new page scrape failed, continuing")
			continue
		}
		stats.PagesNew++
		stats.RevisionsAdded += revCount
		state.CompletedNewPages = append(state.CompletedNewPages, pageID)
		inc.save(ctx, &state)
	}

	infos, errE := inc.repo.GetPageUpdateInfo(ctx, changes.ModifiedPageIDs.ToSlice())
	if errE != nil {
		return inc.fail(ctx, runID, interruptCause(ctx, errE))
	}
	for _, info := range infos {
		if completedModified[info.PageID] {
			continue
		}
		revCount, errE := inc.scrapeModifiedPage(ctx, info)
		if errE != nil {
			inc.logger.Error().Err(errE).Int64("pageId", info.PageID).Msg("modified page scrape failed, continuing")
			continue
		}
		stats.PagesModified++
		stats.RevisionsAdded += revCount
		state.CompletedModifiedPages = append(state.CompletedModifiedPages, info.PageID)
		inc.save(ctx, &state)
	}

	for _, pageID := range changes.DeletedPageIDs.ToSlice() {
		if completedDeleted[pageID] {
			continue
		}
		if errE := inc.repo.MarkPageDeleted(ctx, pageID); errE != nil {
			return inc.fail(ctx, runID, interruptCause(ctx, errE))
		}
		stats.PagesDeleted++
		state.CompletedDeletedPages = append(state.CompletedDeletedPages, pageID)
		inc.save(ctx, &state)
	}

	for _, moved := range changes.MovedPages {
		if errE := inc.repo.RenamePage(ctx, moved.PageID, moved.Namespace, moved.NewTitle); errE != nil {
			return inc.fail(ctx, runID, interruptCause(ctx, errE))
		}
		stats.PagesMoved++

		infos, errE := inc.repo.GetPageUpdateInfo(ctx, []int64{moved.PageID})
		if errE != nil {
			inc.logger.Error().Err(errE).Int64("pageId", moved.PageID).Msg("moved page revision refresh failed, continuing")
			continue
		}
		for _, info := range infos {
			revCount, errE := inc.scrapeModifiedPage(ctx, info)
			if errE != nil {
				inc.logger.Error().Err(errE).Int64("pageId", moved.PageID).Msg("moved page revision refresh failed, continuing")
				continue
			}
			stats.RevisionsAdded += revCount
		}
	}

	state.Phase = model.PhaseDownloadingFiles
	inc.save(ctx, &state)

	upstream, errE := inc.files.DiscoverFiles(ctx, nil)
	if errE != nil {
		inc.logger.Error().Err(errE).Msg("file discovery failed during incremental run")
	} else {
		downloaded, errE := inc.applyFileChanges(ctx, upstream)
		if errE != nil {
			inc.logger.Error().Err(errE).Msg("file change application failed")
		}
		stats.FilesDownloaded = downloaded
	}

	state.Phase = model.PhaseVerifying
	inc.save(ctx, &state)
	if inc.verifier != nil {
		if _, errE := inc.verifier.Verify(ctx); errE != nil {
			inc.logger.Error().Err(errE).Msg("verification failed")
		}
	}

	stats.Duration = time.Since(started)
	stats.TotalPagesAffected = stats.PagesNew + stats.PagesModified + stats.PagesDeleted + stats.PagesMoved

	runStats := store.RunStats{
		RevisionsScraped: int64(stats.RevisionsAdded),
		FilesDownloaded:  int64(stats.FilesDownloaded),
		PagesNew:         int64(stats.PagesNew),
		PagesModified:    int64(stats.PagesModified),
		PagesDeleted:     int64(stats.PagesDeleted),
		PagesMoved:       int64(stats.PagesMoved),
	}
	if errE := inc.repo.CompleteRun(ctx, runID, runStats, false); errE != nil {
		return stats, errE
	}

	state.Phase = model.PhaseComplete
	inc.save(ctx, &state)
	if errE := inc.checkpoint.Clear(ctx); errE != nil {
		inc.logger.Warn().Err(errE).Msg("failed to clear checkpoint after successful run")
	}

	return stats, nil
}

func (inc *Incremental) scrapeNewPageRevisions(ctx context.Context, pageID int64) (int, errors.E) {
	revisions, errE := inc.revisions.FetchRevisions(ctx, pageID, nil, nil)
	if errE != nil {
		return 0, errE
	}
	return inc.persistRevisionsAndLinks(ctx, pageID, revisions)
}

func (inc *Incremental) scrapeModifiedPage(ctx context.Context, info model.PageUpdateInfo) (int, errors.E) {
	startAfter := info.HighestRevisionID
	revisions, errE := inc.revisions.FetchRevisions(ctx, info.PageID, &startAfter, nil)
	if errE != nil {
		return 0, errE
	}
	return inc.persistRevisionsAndLinks(ctx, info.PageID, revisions)
}

func (inc *Incremental) persistRevisionsAndLinks(ctx context.Context, pageID int64, revisions []model.Revision) (int, errors.E) {
	if errE := inc.repo.UpsertRevisions(ctx, revisions); errE != nil {
		return 0, errE
	}
	if len(revisions) == 0 {
		return 0, nil
	}

	tip := revisions[len(revisions)-1]
	if tip.Content != nil {
		links := inc.links.Extract(*tip.Content)
		if errE := inc.repo.ReplaceOutgoingLinks(ctx, pageID, links); errE != nil {
			return len(revisions), errE
		}
	}

	return len(revisions), nil
}

// applyFileChanges classifies every upstream file against the stored row (if
// any), downloads bytes only for new or modified files, and tombstones any
// stored file no longer present upstream (§4.8).
func (inc *Incremental) applyFileChanges(ctx context.Context, upstream []model.File) (int, errors.E) {
	stored, errE := inc.repo.ListFiles(ctx)
	if errE != nil {
		return 0, errE
	}
	storedByTitle := make(map[string]model.File, len(stored))
	for _, file := range stored {
		storedByTitle[file.Title] = file
	}

	var newFiles, modifiedFiles []model.File
	downloaded := 0
	seenUpstream := make(map[string]bool, len(upstream))

	for _, file := range upstream {
		seenUpstream[file.Title] = true

		var storedPtr *model.File
		if existing, ok := storedByTitle[file.Title]; ok {
			existing := existing
			storedPtr = &existing
		}

		switch scrape.ClassifyFileChange(file, storedPtr) {
		case scrape.FileUnchanged:
			continue
		case scrape.FileNew, scrape.FileModified:
			localPath, errE := inc.files.Download(ctx, file)
			if errE != nil {
				inc.logger.Error().Err(errE).Str("title", file.Title).Msg("file download failed, continuing")
				continue
			}
			file.LocalPath = &localPath
			if storedPtr == nil {
				newFiles = append(newFiles, file)
			} else {
				modifiedFiles = append(modifiedFiles, file)
			}
			downloaded++
		case scrape.FileDeleted:
			// unreachable: ClassifyFileChange never returns FileDeleted for an
			// upstream-listed file; deletions are detected below by absence.
		}
	}

	var deletedTitles []string
	for title := range storedByTitle {
		if !seenUpstream[title] {
			deletedTitles = append(deletedTitles, title)
		}
	}

	if errE := inc.repo.RecordFileChanges(ctx, newFiles, modifiedFiles, deletedTitles); errE != nil {
		return downloaded, errE
	}

	return downloaded, nil
}

func (inc *Incremental) save(ctx context.Context, state *model.Checkpoint) {
	state.LastUpdate = time.Now()
	if errE := inc.checkpoint.Save(ctx, *state); errE != nil {
		inc.logger.Warn().Err(errE).Msg("failed to save checkpoint")
	}
}

// fail transitions runID to failed and returns cause, writing through a
// context detached from ctx (with its own short timeout) since ctx may
// already be cancelled by the time a caller's error path reaches here.
func (inc *Incremental) fail(ctx context.Context, runID string, cause errors.E) (IncrementalStats, errors.E) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), failCleanupTimeout)
	defer cancel()
	if errE := inc.repo.FailRun(cleanupCtx, runID, cause.Error()); errE != nil {
		inc.logger.Error().Err(errE).Msg("failed to record run failure")
	}
	return IncrementalStats{}, cause
}

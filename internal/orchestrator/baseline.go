// Package orchestrator drives the scraping components (C6-C9) against the
// repository façade under checkpoint protection, producing a ScrapeRun
// record. Baseline (C12) and incremental (C13) orchestration share the
// same per-page work; the integrity verifier (C14) runs at the tail of
// both.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"
	"golang.org/x/sync/errgroup"

	"gitlab.com/wikiarchiver/archiver/internal/checkpoint"
	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/progress"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
	"gitlab.com/wikiarchiver/archiver/internal/store"
)

// failedPageRateThreshold is the fixed 10% partial-success boundary.
const failedPageRateThreshold = 0.10

// failCleanupTimeout bounds the detached write that records a run's terminal
// failure, used instead of the run's own context because that context may
// already be cancelled (the interrupt case) by the time fail is called.
const failCleanupTimeout = 10 * time.Second

// ErrInterrupted is the cause recorded on a ScrapeRun stopped by a process
// signal, per §5's "call C4.fail_run(run_id, \"interrupted\")".
var ErrInterrupted = errors.Base("interrupted")

// interruptCause substitutes ErrInterrupted for cause when ctx was the
// reason the orchestrator stopped, so the recorded failure reason matches
// §5 exactly rather than leaking a wrapped context.Canceled.
func interruptCause(ctx context.Context, cause errors.E) errors.E {
	if ctx.Err() != nil {
		return errors.WithStack(ErrInterrupted)
	}
	return cause
}

// checkpointEveryNPages is how often progress is saved during the
// per-page scraping phase.
const checkpointEveryNPages = 10

// progressLogInterval is how often the scraping_pages phase logs a
// throughput/ETA estimate.
const progressLogInterval = 30 * time.Second

// discoveryConcurrency bounds how many namespaces are discovered at once.
// Namespace discovery calls are still serialized against the upstream wiki
// by the shared rate limiter (§5); this only lets independent namespaces'
// bookkeeping (decoding, upserting) overlap instead of queuing behind it.
const discoveryConcurrency = 4

// ScrapeResult is the outcome of a baseline run.
type ScrapeResult struct {
	Pages             int
	Revisions         int
	Files             int
	Duration          time.Duration
	NamespacesScraped []int
	Errors            []string
	FailedPageIDs     []int64
}

// Baseline is the baseline orchestrator (C12).
type Baseline struct {
	repo       *store.Repository
	checkpoint *checkpoint.Store
	discoverer *scrape.Discoverer
	revisions  *scrape.RevisionFetcher
	files      *scrape.FileFetcher
	links      *scrape.LinkExtractor
	verifier   *Verifier
	logger     zerolog.Logger
}

// NewBaseline assembles a Baseline orchestrator from its collaborators.
func NewBaseline(
	repo *store.Repository, cp *checkpoint.Store, discoverer *scrape.Discoverer,
	revisions *scrape.RevisionFetcher, files *scrape.FileFetcher, links *scrape.LinkExtractor,
	verifier *Verifier, logger zerolog.Logger,
) *Baseline {
	return &Baseline{
		repo: repo, checkpoint: cp, discoverer: discoverer, revisions: revisions,
		files: files, links: links, verifier: verifier,
		logger: logger.With().Str("component", "baseline").Logger(),
	}
}

// Run drives the full baseline pipeline: discovery, per-page revisions and
// links, file download, verification, and run finalization.
func (b *Baseline) Run(ctx context.Context, namespaces []int, parameters map[string]any) (ScrapeResult, errors.E) {
	if len(namespaces) == 0 {
		namespaces = scrape.StandardNamespaces
	}

	started := time.Now()
	runID := identifier.New().String()

	if errE := b.repo.BeginRun(ctx, runID, model.RunFull); errE != nil {
		return ScrapeResult{}, errE
	}

	state := model.Checkpoint{
		StartedAt:  started,
		LastUpdate: started,
		Parameters: parameters,
		Phase:      model.PhaseDiscovering,
	}
	if loaded := b.checkpoint.Load(ctx); checkpoint.Resumable(loaded, parameters) {
		b.logger.Info().
			Int("namespacesCompleted", len(loaded.NamespacesCompleted)).
			Int("pagesCompleted", len(loaded.CompletedNewPages)).
			Msg("resuming baseline from existing checkpoint")
		state = loaded
	} else if loaded.Version != "" {
		b.logger.Warn().Msg("existing checkpoint parameters do not match this run, discarding and starting fresh")
	}
	b.save(ctx, &state)

	result := ScrapeResult{}

	alreadyDiscovered := make(map[int]bool, len(state.NamespacesCompleted))
	for _, ns := range state.NamespacesCompleted {
		alreadyDiscovered[ns] = true
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(discoveryConcurrency)
	for _, ns := range namespaces {
		ns := ns
		if alreadyDiscovered[ns] {
			if count, errE := b.repo.CountPagesInNamespace(ctx, ns); errE == nil {
				mu.Lock()
				result.Pages += count
				mu.Unlock()
			}
			continue
		}
		group.Go(func() error {
			pages, errE := b.discoverer.Discover(groupCtx, ns, nil)
			if errE != nil {
				mu.Lock()
				result.Errors = append(result.Errors, errE.Error())
				mu.Unlock()
				b.logger.Error().Err(errE).Int("namespace", ns).Msg("namespace discovery failed, continuing")
				return nil
			}
			if errE := b.repo.UpsertPages(groupCtx, pages); errE != nil {
				return errE
			}

			mu.Lock()
			result.Pages += len(pages)
			state.NamespacesCompleted = append(state.NamespacesCompleted, ns)
			b.save(groupCtx, &state)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return b.fail(ctx, runID, interruptCause(ctx, errors.WithStack(err)))
	}
	result.NamespacesScraped = namespaces

	state.Phase = model.PhaseScrapingPages
	b.save(ctx, &state)

	completed := make(map[int64]bool, len(state.CompletedNewPages))
	for _, id := range state.CompletedNewPages {
		completed[id] = true
	}

	counter := &progress.Counter{}
	ticker := progress.NewTicker(ctx, counter, int64(result.Pages), progressLogInterval)
	go func() {
		for snapshot := range ticker.C {
			b.logger.Info().
				Int64("completed", snapshot.Count).
				Int64("total", snapshot.Total).
				Float64("percent", snapshot.Percent()).
				Dur("remaining", snapshot.Remaining()).
				Msg("scraping pages")
		}
	}()

	pageCount := 0
	errE := b.repo.StreamPages(ctx, -1, func(page model.Page) error {
		if completed[page.PageID] {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		revCount, scrapeErr := b.scrapePage(ctx, page.PageID)
		if scrapeErr != nil {
			result.FailedPageIDs = append(result.FailedPageIDs, page.PageID)
			b.logger.Error().Err(scrapeErr).Int64("pageId", page.PageID).Msg("page scrape failed, continuing")
			counter.Add(1)
			return nil
		}
		result.Revisions += revCount
		counter.Add(1)

		state.CompletedNewPages = append(state.CompletedNewPages, page.PageID)
		pageCount++
		if pageCount%checkpointEveryNPages == 0 {
			b.save(ctx, &state)
		}
		return nil
	})
	ticker.Stop()
	if errE != nil {
		return b.fail(ctx, runID, interruptCause(ctx, errE))
	}
	b.save(ctx, &state)

	state.Phase = model.PhaseDownloadingFiles
	b.save(ctx, &state)
	fileCount, errE := b.downloadFiles(ctx, &state)
	if errE != nil {
		b.logger.Error().Err(errE).Msg("file download phase failed")
		result.Errors = append(result.Errors, errE.Error())
	}
	result.Files = fileCount

	state.Phase = model.PhaseVerifying
	b.save(ctx, &state)
	if b.verifier != nil {
		findings, errE := b.verifier.Verify(ctx)
		if errE != nil {
			result.Errors = append(result.Errors, errE.Error())
		} else {
			result.Errors = append(result.Errors, findings.Summaries()...)
		}
	}

	result.Duration = time.Since(started)

	failureRate := 0.0
	if result.Pages > 0 {
		failureRate = float64(len(result.FailedPageIDs)) / float64(result.Pages)
	}

	stats := store.RunStats{
		PagesScraped:     int64(result.Pages),
		RevisionsScraped: int64(result.Revisions),
		FilesDownloaded:  int64(result.Files),
		PagesNew:         int64(result.Pages),
	}
	if errE := b.repo.CompleteRun(ctx, runID, stats, failureRate > failedPageRateThreshold); errE != nil {
		return result, errE
	}

	state.Phase = model.PhaseComplete
	b.save(ctx, &state)
	if errE := b.checkpoint.Clear(ctx); errE != nil {
		b.logger.Warn().Err(errE).Msg("failed to clear checkpoint after successful run")
	}

	return result, nil
}

func (b *Baseline) scrapePage(ctx context.Context, pageID int64) (int, errors.E) {
	revisions, errE := b.revisions.FetchRevisions(ctx, pageID, nil, nil)
	if errE != nil {
		return 0, errE
	}
	if errE := b.repo.UpsertRevisions(ctx, revisions); errE != nil {
		return 0, errE
	}
	if len(revisions) == 0 {
		return 0, nil
	}

	tip := revisions[len(revisions)-1]
	if tip.Content != nil {
		links := b.links.Extract(*tip.Content)
		if errE := b.repo.ReplaceOutgoingLinks(ctx, pageID, links); errE != nil {
			return len(revisions), errE
		}
	}

	return len(revisions), nil
}

func (b *Baseline) downloadFiles(ctx context.Context, state *model.Checkpoint) (int, errors.E) {
	upstream, errE := b.files.DiscoverFiles(ctx, nil)
	if errE != nil {
		return 0, errE
	}

	completed := make(map[string]bool, len(state.CompletedFiles))
	for _, title := range state.CompletedFiles {
		completed[title] = true
	}

	if errE := b.repo.RecordFileChanges(ctx, upstream, nil, nil); errE != nil {
		return 0, errE
	}

	downloaded := 0
	for _, file := range upstream {
		if completed[file.Title] {
			continue
		}
		localPath, errE := b.files.Download(ctx, file)
		if errE != nil {
			b.logger.Error().Err(errE).Str("title", file.Title).Msg("file download failed, continuing")
			continue
		}
		file.LocalPath = &localPath
		if errE := b.repo.RecordFileChanges(ctx, nil, []model.File{file}, nil); errE != nil {
			return downloaded, errE
		}
		downloaded++
		state.CompletedFiles = append(state.CompletedFiles, file.Title)
	}

	return downloaded, nil
}

func (b *Baseline) save(ctx context.Context, state *model.Checkpoint) {
	state.LastUpdate = time.Now()
	if errE := b.checkpoint.Save(ctx, *state); errE != nil {
		b.logger.Warn().Err(errE).Msg("failed to save checkpoint")
	}
}

// fail transitions runID to failed and returns cause. It writes through a
// context detached from ctx (with its own short timeout) because ctx may
// already be cancelled — the interrupt case — by the time a caller's error
// path reaches here, and that terminal write must still land.
func (b *Baseline) fail(ctx context.Context, runID string, cause errors.E) (ScrapeResult, errors.E) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), failCleanupTimeout)
	defer cancel()
	if errE := b.repo.FailRun(cleanupCtx, runID, cause.Error()); errE != nil {
		b.logger.Error().Err(errE).Msg("failed to record run failure")
	}
	return ScrapeResult{}, cause
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
	"gitlab.com/wikiarchiver/archiver/internal/store"
)

// Findings is the set of advisory results from a verification pass (C14).
// None of these are fatal. Baseline.Run appends their Summaries to
// ScrapeResult.Errors and Incremental.Run discards them; neither writes them
// to the ScrapeRun record.
type Findings struct {
	RevisionGaps       []string
	OrphanPages        []int64
	BrokenLinks        []string
	CorruptFiles       []string
	TimestampAnomalies []int64
}

// Summaries renders the findings as short human-readable lines, for
// inclusion in a ScrapeResult's Errors/notes list.
func (f Findings) Summaries() []string {
	var lines []string
	for _, pageID := range f.OrphanPages {
		lines = append(lines, fmt.Sprintf("orphan page: %d has zero revisions", pageID))
	}
	lines = append(lines, f.BrokenLinks...)
	lines = append(lines, f.CorruptFiles...)
	for _, pageID := range f.TimestampAnomalies {
		lines = append(lines, fmt.Sprintf("timestamp anomaly: page %d updated_at precedes its tip revision", pageID))
	}
	lines = append(lines, f.RevisionGaps...)
	return lines
}

// brokenLinkSampleSize bounds the broken-link sweep to a sample rather than
// every unresolved link in the store.
const brokenLinkSampleSize = 500

// Verifier runs streaming invariant checks over the repository (C14).
type Verifier struct {
	repo   *store.Repository
	logger zerolog.Logger
}

// NewVerifier returns a Verifier bound to repo.
func NewVerifier(repo *store.Repository, logger zerolog.Logger) *Verifier {
	return &Verifier{repo: repo, logger: logger.With().Str("component", "verifier").Logger()}
}

// Verify streams every page and its revisions, checking invariants without
// materializing the whole store.
func (v *Verifier) Verify(ctx context.Context) (Findings, errors.E) {
	var findings Findings
	seenRevisionIDs := map[int64]bool{}

	errE := v.repo.StreamPages(ctx, -1, func(page model.Page) error {
		var revisionCount int
		var maxRevisionID int64
		var maxTimestamp = page.CreatedAt

		if streamErr := v.repo.StreamRevisions(ctx, page.PageID, func(rev model.Revision) error {
			revisionCount++
			if seenRevisionIDs[rev.RevisionID] {
				findings.RevisionGaps = append(findings.RevisionGaps, fmt.Sprintf("duplicate revision id %d", rev.RevisionID))
			}
			seenRevisionIDs[rev.RevisionID] = true
			if rev.RevisionID > maxRevisionID {
				maxRevisionID = rev.RevisionID
			}
			if rev.Timestamp.After(maxTimestamp) {
				maxTimestamp = rev.Timestamp
			}
			return nil
		}); streamErr != nil {
			return streamErr
		}

		if revisionCount == 0 {
			findings.OrphanPages = append(findings.OrphanPages, page.PageID)
		} else if page.UpdatedAt.Before(maxTimestamp) {
			findings.TimestampAnomalies = append(findings.TimestampAnomalies, page.PageID)
		}

		return nil
	})
	if errE != nil {
		return findings, errE
	}

	brokenLinks, errE := v.sweepBrokenLinks(ctx)
	if errE != nil {
		return findings, errE
	}
	findings.BrokenLinks = brokenLinks

	return findings, nil
}

// sweepBrokenLinks samples links whose targetPageId was not resolved at
// write time and re-checks whether their target now exists, per §4.14's
// broken-links check.
func (v *Verifier) sweepBrokenLinks(ctx context.Context) ([]string, errors.E) {
	links, errE := v.repo.UnresolvedLinks(ctx, brokenLinkSampleSize)
	if errE != nil {
		return nil, errE
	}

	var broken []string
	for _, link := range links {
		namespace, title := store.LinkTargetLocation(link.LinkType, link.TargetTitle)
		exists, errE := v.repo.PageExists(ctx, namespace, title)
		if errE != nil {
			return broken, errE
		}
		if !exists {
			broken = append(broken, fmt.Sprintf("broken link: page %d -> %s (%s)", link.SourcePageID, link.TargetTitle, link.LinkType))
		}
	}
	return broken, nil
}

// VerifyFiles recomputes the on-disk digest for every downloaded file and
// reports mismatches. It is split from Verify because it performs disk I/O
// rather than pure repository streaming.
func (v *Verifier) VerifyFiles(ctx context.Context, files []model.File) []string {
	var corrupt []string
	for _, file := range files {
		if file.LocalPath == nil {
			continue
		}
		actual, errE := scrape.DigestOfFile(*file.LocalPath)
		if errE != nil {
			corrupt = append(corrupt, fmt.Sprintf("file %q: %s", file.Title, errE.Error()))
			continue
		}
		if actual != file.SHA1 {
			corrupt = append(corrupt, fmt.Sprintf("file %q: digest mismatch (expected %s, got %s)", file.Title, file.SHA1, actual))
		}
	}
	return corrupt
}

package scrape

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
)

// LastRunReader is the narrow slice of the repository façade the change
// detector needs: the last successful run's end time.
type LastRunReader interface {
	LastSuccessfulRunEndTime(ctx context.Context) (*time.Time, errors.E)
}

// ChangeSet categorizes upstream activity in a time window against stored
// state (C11).
type ChangeSet struct {
	LastScrapeTime    time.Time
	DetectionTime     time.Time
	RequiresFullScrape bool
	NewPageIDs        mapset.Set[int64]
	ModifiedPageIDs   mapset.Set[int64]
	DeletedPageIDs    mapset.Set[int64]
	MovedPages        []model.MovedPage
}

// ChangeDetector combines the recent-changes reader with repository state
// to compute a categorized ChangeSet (C11).
type ChangeDetector struct {
	repo   LastRunReader
	reader *RecentChangesReader
}

// NewChangeDetector returns a ChangeDetector bound to repo and reader.
func NewChangeDetector(repo LastRunReader, reader *RecentChangesReader) *ChangeDetector {
	return &ChangeDetector{repo: repo, reader: reader}
}

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = time.Now //nolint:gochecknoglobals

// Detect computes the ChangeSet since the last successful run. If there is
// no prior successful run, it returns RequiresFullScrape=true without
// consulting the recent-changes feed.
func (d *ChangeDetector) Detect(ctx context.Context, namespaces []int) (ChangeSet, errors.E) {
	lastRun, errE := d.repo.LastSuccessfulRunEndTime(ctx)
	if errE != nil {
		return ChangeSet{}, errE
	}
	if lastRun == nil {
		return ChangeSet{RequiresFullScrape: true}, nil
	}

	now := nowFunc().UTC()
	changes, errE := d.reader.Read(ctx, *lastRun, now, namespaces)
	if errE != nil {
		return ChangeSet{}, errE
	}

	return buildChangeSet(*lastRun, now, changes), nil
}

func buildChangeSet(lastScrapeTime, detectionTime time.Time, changes []RecentChange) ChangeSet {
	newPageIDs := mapset.NewSet[int64]()
	modifiedPageIDs := mapset.NewSet[int64]()
	deletedPageIDs := mapset.NewSet[int64]()
	createdInWindow := mapset.NewSet[int64]()
	var movedPages []model.MovedPage

	for _, c := range changes {
		switch {
		case c.Type == ChangeNew:
			newPageIDs.Add(c.PageID)
			createdInWindow.Add(c.PageID)
		case c.Type == ChangeEdit:
			if !createdInWindow.Contains(c.PageID) {
				modifiedPageIDs.Add(c.PageID)
			}
		case c.Type == ChangeLog && c.LogAction == LogActionDelete:
			deletedPageIDs.Add(c.PageID)
			newPageIDs.Remove(c.PageID)
		case c.Type == ChangeLog && c.LogAction == LogActionMove:
			movedPages = append(movedPages, model.MovedPage{
				PageID:    c.PageID,
				OldTitle:  c.Title,
				NewTitle:  c.NewTitle,
				Namespace: c.Namespace,
				Timestamp: c.Timestamp,
			})
		}
	}

	modifiedPageIDs = modifiedPageIDs.Difference(deletedPageIDs)

	return ChangeSet{
		LastScrapeTime:  lastScrapeTime,
		DetectionTime:   detectionTime,
		NewPageIDs:      newPageIDs,
		ModifiedPageIDs: modifiedPageIDs,
		DeletedPageIDs:  deletedPageIDs,
		MovedPages:      movedPages,
	}
}

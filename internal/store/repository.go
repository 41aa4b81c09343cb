package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
)

// fileNamespaceID and categoryNamespaceID are the standard MediaWiki
// namespace IDs for File and Category, used to resolve a link's target
// namespace from its link_type without a dependency on the wiki's live
// namespace table (the repository has no API client).
const (
	fileNamespaceID     = 6
	categoryNamespaceID = 14
)

// LinkTargetLocation returns the (namespace, title) a link's targetTitle
// resolves against in the Pages table. File and Category links carry their
// namespace prefix on targetTitle (e.g. "File:Foo.jpg"); Pages stores titles
// with the prefix stripped (see scrape.stripNamespacePrefix), so the prefix
// is cut here before matching. Other link types are resolved against the
// main namespace, unprefixed.
func LinkTargetLocation(linkType model.LinkType, targetTitle string) (int, string) {
	switch linkType {
	case model.LinkFile:
		return fileNamespaceID, cutNamespacePrefix(targetTitle)
	case model.LinkCategory:
		return categoryNamespaceID, cutNamespacePrefix(targetTitle)
	default:
		return 0, targetTitle
	}
}

func cutNamespacePrefix(title string) string {
	if _, rest, found := strings.Cut(title, ":"); found {
		return rest
	}
	return title
}

// Repository is the C4 façade: narrow, typed, transactional operations over
// pages, revisions, files, links, and scrape runs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an already-connected pool. Callers are expected to
// have run EnsureSchema first.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertPages inserts or replaces the given pages in one transaction. The
// replace branch preserves createdAt and only refreshes mutable columns.
func (r *Repository) UpsertPages(ctx context.Context, batch []model.Page) errors.E {
	if len(batch) == 0 {
		return nil
	}
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		for _, page := range batch {
			_, err := tx.Exec(ctx, `
				INSERT INTO "Pages" ("pageId", "namespace", "title", "isRedirect", "isDeleted", "updatedAt")
				VALUES ($1, $2, $3, $4, false, now())
				ON CONFLICT ("pageId") DO UPDATE SET
					"namespace" = EXCLUDED."namespace",
					"title" = EXCLUDED."title",
					"isRedirect" = EXCLUDED."isRedirect",
					"updatedAt" = now()
			`, page.PageID, page.Namespace, page.Title, page.IsRedirect)
			if err != nil {
				return WithPgxError(err)
			}
		}
		return nil
	}, nil)
}

// UpsertRevisions inserts or replaces revisions for a single page in one
// transaction. Existing rows are left untouched by the conflict branch since
// revisions are immutable once assigned a sha1; only a prior content=null
// placeholder (a suppressed revision later unsuppressed) is refreshed.
func (r *Repository) UpsertRevisions(ctx context.Context, batch []model.Revision) errors.E {
	if len(batch) == 0 {
		return nil
	}
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		for _, rev := range batch {
			_, err := tx.Exec(ctx, `
				INSERT INTO "Revisions" (
					"revisionId", "pageId", "parentRevisionId", "timestamp",
					"user", "userId", "comment", "size", "sha1", "content", "tags"
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT ("revisionId") DO UPDATE SET
					"content" = COALESCE("Revisions"."content", EXCLUDED."content")
			`, rev.RevisionID, rev.PageID, rev.ParentRevisionID, rev.Timestamp,
				rev.User, rev.UserID, rev.Comment, rev.Size, rev.SHA1, rev.Content, tagsToJSON(rev.Tags))
			if err != nil {
				return WithPgxError(err)
			}
		}
		return nil
	}, nil)
}

func tagsToJSON(tags []string) any {
	if tags == nil {
		return nil
	}
	return tags
}

// MarkPageDeleted sets isDeleted on a page, preserving its revisions.
func (r *Repository) MarkPageDeleted(ctx context.Context, pageID int64) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `UPDATE "Pages" SET "isDeleted" = true, "updatedAt" = now() WHERE "pageId" = $1`, pageID)
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
}

// RenamePage atomically updates a page's namespace and title.
func (r *Repository) RenamePage(ctx context.Context, pageID int64, newNamespace int, newTitle string) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			UPDATE "Pages" SET "namespace" = $2, "title" = $3, "updatedAt" = now() WHERE "pageId" = $1
		`, pageID, newNamespace, newTitle)
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
}

// GetPageUpdateInfo returns per-page revision high-water marks for the given
// page IDs. A page with no revisions yields highestRevisionId=0.
func (r *Repository) GetPageUpdateInfo(ctx context.Context, pageIDs []int64) ([]model.PageUpdateInfo, errors.E) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	var infos []model.PageUpdateInfo
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		rows, err := tx.Query(ctx, `
			SELECT p."pageId", p."namespace", p."title", p."isRedirect",
				COALESCE(MAX(rv."revisionId"), 0), MAX(rv."timestamp"), COUNT(rv."revisionId")
			FROM "Pages" p
			LEFT JOIN "Revisions" rv ON rv."pageId" = p."pageId"
			WHERE p."pageId" = ANY($1)
			GROUP BY p."pageId", p."namespace", p."title", p."isRedirect"
		`, pageIDs)
		if err != nil {
			return WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var info model.PageUpdateInfo
			var lastTS *time.Time
			if err := rows.Scan(&info.PageID, &info.Namespace, &info.Title, &info.IsRedirect,
				&info.HighestRevisionID, &lastTS, &info.TotalRevisions); err != nil {
				return WithPgxError(err)
			}
			info.LastRevisionTS = lastTS
			infos = append(infos, info)
		}
		if err := rows.Err(); err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return infos, nil
}

// FilterNewPages returns the subset of pageIDs not yet present in the store.
func (r *Repository) FilterNewPages(ctx context.Context, pageIDs []int64) ([]int64, errors.E) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	var newIDs []int64
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		rows, err := tx.Query(ctx, `
			SELECT id FROM unnest($1::bigint[]) AS id
			WHERE id NOT IN (SELECT "pageId" FROM "Pages" WHERE "pageId" = ANY($1))
		`, pageIDs)
		if err != nil {
			return WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return WithPgxError(err)
			}
			newIDs = append(newIDs, id)
		}
		if err := rows.Err(); err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return newIDs, nil
}

// ReplaceOutgoingLinks replaces the full set of outgoing links from a page
// under one transaction. Incoming links into this page are untouched.
func (r *Repository) ReplaceOutgoingLinks(ctx context.Context, pageID int64, links []model.Link) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `DELETE FROM "Links" WHERE "sourcePageId" = $1`, pageID)
		if err != nil {
			return WithPgxError(err)
		}
		for _, link := range links {
			targetNamespace, targetTitle := LinkTargetLocation(link.LinkType, link.TargetTitle)
			var targetPageID *int64
			err := tx.QueryRow(ctx, `SELECT "pageId" FROM "Pages" WHERE "title" = $1 AND "namespace" = $2 LIMIT 1`, targetTitle, targetNamespace).Scan(&targetPageID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return WithPgxError(err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO "Links" ("sourcePageId", "targetTitle", "targetPageId", "linkType")
				VALUES ($1, $2, $3, $4)
			`, pageID, link.TargetTitle, targetPageID, string(link.LinkType))
			if err != nil {
				return WithPgxError(err)
			}
		}
		return nil
	}, nil)
}

// UnresolvedLinks returns up to limit links of type wikilink/file/category
// whose targetPageId was not set at write time, for the integrity verifier's
// broken-link sweep (C14). Resolution is only recomputed when a link's
// source page's content next changes, so this can surface links whose
// target has since appeared (a false positive the caller re-checks) or that
// are genuinely still broken.
func (r *Repository) UnresolvedLinks(ctx context.Context, limit int) ([]model.Link, errors.E) {
	var links []model.Link
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		rows, err := tx.Query(ctx, `
			SELECT "sourcePageId", "targetTitle", "linkType"
			FROM "Links"
			WHERE "targetPageId" IS NULL AND "linkType" IN ('wikilink', 'file', 'category')
			ORDER BY "sourcePageId"
			LIMIT $1
		`, limit)
		if err != nil {
			return WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var link model.Link
			var linkType string
			if err := rows.Scan(&link.SourcePageID, &link.TargetTitle, &linkType); err != nil {
				return WithPgxError(err)
			}
			link.LinkType = model.LinkType(linkType)
			links = append(links, link)
		}
		if err := rows.Err(); err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return links, nil
}

// PageExists reports whether a non-deleted page exists at (namespace, title),
// used to re-check a link's resolution at verification time.
func (r *Repository) PageExists(ctx context.Context, namespace int, title string) (bool, errors.E) {
	var exists bool
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM "Pages" WHERE "namespace" = $1 AND "title" = $2 AND NOT "isDeleted")
		`, namespace, title).Scan(&exists)
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return false, errE
	}
	return exists, nil
}

// CountPagesInNamespace returns how many pages are already stored for
// namespace, used by the baseline orchestrator to restore ScrapeResult
// counters for a namespace skipped on resume.
func (r *Repository) CountPagesInNamespace(ctx context.Context, namespace int) (int, errors.E) {
	var count int
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `SELECT count(*) FROM "Pages" WHERE "namespace" = $1`, namespace).Scan(&count)
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return 0, errE
	}
	return count, nil
}

// ListFiles returns every non-deleted File row, for the incremental
// orchestrator's file change-detection diff against upstream listings (C8).
func (r *Repository) ListFiles(ctx context.Context) ([]model.File, errors.E) {
	var files []model.File
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		rows, err := tx.Query(ctx, `
			SELECT "title", "url", "descriptionUrl", "sha1", "size", "width", "height",
				"mimeType", "uploadedAt", "uploader", "localPath"
			FROM "Files" WHERE NOT "isDeleted"
		`)
		if err != nil {
			return WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var file model.File
			if err := rows.Scan(&file.Title, &file.URL, &file.DescriptionURL, &file.SHA1, &file.Size,
				&file.Width, &file.Height, &file.MimeType, &file.UploadedAt, &file.Uploader, &file.LocalPath); err != nil {
				return WithPgxError(err)
			}
			files = append(files, file)
		}
		if err := rows.Err(); err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return files, nil
}

// RecordFileChanges upserts new/modified files and tombstones deleted ones
// in one transaction.
func (r *Repository) RecordFileChanges(ctx context.Context, newFiles, modifiedFiles []model.File, deletedTitles []string) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		for _, file := range append(append([]model.File{}, newFiles...), modifiedFiles...) {
			_, err := tx.Exec(ctx, `
				INSERT INTO "Files" (
					"title", "url", "descriptionUrl", "sha1", "size", "width", "height",
					"mimeType", "uploadedAt", "uploader", "localPath", "isDeleted"
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
				ON CONFLICT ("title") DO UPDATE SET
					"url" = EXCLUDED."url",
					"descriptionUrl" = EXCLUDED."descriptionUrl",
					"sha1" = EXCLUDED."sha1",
					"size" = EXCLUDED."size",
					"width" = EXCLUDED."width",
					"height" = EXCLUDED."height",
					"mimeType" = EXCLUDED."mimeType",
					"uploadedAt" = EXCLUDED."uploadedAt",
					"uploader" = EXCLUDED."uploader",
					"localPath" = EXCLUDED."localPath",
					"isDeleted" = false
			`, file.Title, file.URL, file.DescriptionURL, file.SHA1, file.Size, file.Width, file.Height,
				file.MimeType, file.UploadedAt, file.Uploader, file.LocalPath)
			if err != nil {
				return WithPgxError(err)
			}
		}
		for _, title := range deletedTitles {
			_, err := tx.Exec(ctx, `UPDATE "Files" SET "isDeleted" = true WHERE "title" = $1`, title)
			if err != nil {
				return WithPgxError(err)
			}
		}
		return nil
	}, nil)
}

// BeginRun records a new ScrapeRun under the caller-supplied runID, in the
// running state.
func (r *Repository) BeginRun(ctx context.Context, runID string, runType model.RunType) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			INSERT INTO "ScrapeRuns" ("runId", "runType", "status", "startTime")
			VALUES ($1, $2, $3, now())
		`, runID, string(runType), string(model.StatusRunning))
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
}

// RunStats carries the counters accumulated over a run, written at completion.
type RunStats struct {
	PagesScraped     int64
	RevisionsScraped int64
	FilesDownloaded  int64
	PagesNew         int64
	PagesModified    int64
	PagesDeleted     int64
	PagesMoved       int64
}

// CompleteRun marks a run completed (or partial, if anyFailures is set) and
// records its final counters.
func (r *Repository) CompleteRun(ctx context.Context, runID string, stats RunStats, anyFailures bool) errors.E {
	status := model.StatusCompleted
	if anyFailures {
		status = model.StatusPartial
	}
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			UPDATE "ScrapeRuns" SET
				"status" = $2, "endTime" = now(),
				"pagesScraped" = $3, "revisionsScraped" = $4, "filesDownloaded" = $5,
				"pagesNew" = $6, "pagesModified" = $7, "pagesDeleted" = $8, "pagesMoved" = $9
			WHERE "runId" = $1
		`, runID, string(status), stats.PagesScraped, stats.RevisionsScraped, stats.FilesDownloaded,
			stats.PagesNew, stats.PagesModified, stats.PagesDeleted, stats.PagesMoved)
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
}

// FailRun transitions a run to failed, recording the cause.
func (r *Repository) FailRun(ctx context.Context, runID string, cause string) errors.E {
	return RetryTransaction(ctx, r.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			UPDATE "ScrapeRuns" SET "status" = $2, "endTime" = now(), "errors" = $3
			WHERE "runId" = $1
		`, runID, string(model.StatusFailed), []byte(`{"cause":"`+cause+`"}`))
		if err != nil {
			return WithPgxError(err)
		}
		return nil
	}, nil)
}

// LastSuccessfulRunEndTime returns the end time of the most recently
// completed run, or nil if none exists.
func (r *Repository) LastSuccessfulRunEndTime(ctx context.Context) (*time.Time, errors.E) {
	var endTime *time.Time
	errE := RetryTransaction(ctx, r.pool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			SELECT "endTime" FROM "ScrapeRuns"
			WHERE "status" = $1 AND "endTime" IS NOT NULL
			ORDER BY "endTime" DESC LIMIT 1
		`, string(model.StatusCompleted)).Scan(&endTime)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return endTime, nil
}

// StreamPages calls fn for every page matching namespace (or all namespaces
// when negative), in pageId order, without materializing the whole table.
func (r *Repository) StreamPages(ctx context.Context, namespace int, fn func(model.Page) error) errors.E {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer conn.Release()

	var rows pgx.Rows
	if namespace >= 0 {
		rows, err = conn.Query(ctx, `
			SELECT "pageId", "namespace", "title", "isRedirect", "isDeleted", "createdAt", "updatedAt"
			FROM "Pages" WHERE "namespace" = $1 ORDER BY "pageId"
		`, namespace)
	} else {
		rows, err = conn.Query(ctx, `
			SELECT "pageId", "namespace", "title", "isRedirect", "isDeleted", "createdAt", "updatedAt"
			FROM "Pages" ORDER BY "pageId"
		`)
	}
	if err != nil {
		return WithPgxError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var page model.Page
		if err := rows.Scan(&page.PageID, &page.Namespace, &page.Title, &page.IsRedirect,
			&page.IsDeleted, &page.CreatedAt, &page.UpdatedAt); err != nil {
			return WithPgxError(err)
		}
		if err := fn(page); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := rows.Err(); err != nil {
		return WithPgxError(err)
	}
	return nil
}

// StreamRevisions calls fn for every revision of pageID, oldest first,
// without materializing the whole set.
func (r *Repository) StreamRevisions(ctx context.Context, pageID int64, fn func(model.Revision) error) errors.E {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT "revisionId", "pageId", "parentRevisionId", "timestamp",
			"user", "userId", "comment", "size", "sha1", "content"
		FROM "Revisions" WHERE "pageId" = $1 ORDER BY "revisionId"
	`, pageID)
	if err != nil {
		return WithPgxError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var rev model.Revision
		if err := rows.Scan(&rev.RevisionID, &rev.PageID, &rev.ParentRevisionID, &rev.Timestamp,
			&rev.User, &rev.UserID, &rev.Comment, &rev.Size, &rev.SHA1, &rev.Content); err != nil {
			return WithPgxError(err)
		}
		if err := fn(rev); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := rows.Err(); err != nil {
		return WithPgxError(err)
	}
	return nil
}

// Package model defines the entities persisted by the archiver: pages,
// revisions, files, links, scrape runs, and the checkpoint snapshot.
package model

import (
	"time"
)

// Page is a named content slot identified by the upstream wiki's page ID.
type Page struct {
	PageID      int64     `json:"pageId"`
	Namespace   int       `json:"namespace"`
	Title       string    `json:"title"`
	IsRedirect  bool      `json:"isRedirect"`
	IsDeleted   bool      `json:"isDeleted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Revision is an immutable snapshot of a page's wikitext.
type Revision struct {
	RevisionID       int64     `json:"revisionId"`
	PageID           int64     `json:"pageId"`
	ParentRevisionID *int64    `json:"parentRevisionId,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	User             *string   `json:"user,omitempty"`
	UserID           *int64    `json:"userId,omitempty"`
	Comment          string    `json:"comment"`
	Size             int64     `json:"size"`
	SHA1             string    `json:"sha1"`
	Content          *string   `json:"content,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
}

// File is an uploaded media object. Title is its primary identity.
type File struct {
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	DescriptionURL string     `json:"descriptionUrl"`
	SHA1           string     `json:"sha1"`
	Size           int64      `json:"size"`
	Width          *int       `json:"width,omitempty"`
	Height         *int       `json:"height,omitempty"`
	MimeType       string     `json:"mimeType"`
	UploadedAt     time.Time  `json:"uploadedAt"`
	Uploader       string     `json:"uploader"`
	LocalPath      *string    `json:"localPath,omitempty"`
	IsDeleted      bool       `json:"isDeleted"`
}

// LinkType enumerates the kinds of outgoing links extracted from wikitext.
type LinkType string

const (
	LinkWikilink LinkType = "wikilink"
	LinkTemplate LinkType = "template"
	LinkFile     LinkType = "file"
	LinkCategory LinkType = "category"
)

// Link is a directed edge from a page's current content to a target title.
type Link struct {
	SourcePageID  int64    `json:"sourcePageId"`
	TargetTitle   string   `json:"targetTitle"`
	TargetPageID  *int64   `json:"targetPageId,omitempty"`
	LinkType      LinkType `json:"linkType"`
}

// RunType distinguishes a baseline scrape from an incremental one.
type RunType string

const (
	RunFull        RunType = "full"
	RunIncremental RunType = "incremental"
)

// RunStatus is the lifecycle state of a ScrapeRun.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusPartial   RunStatus = "partial"
)

// ScrapeRun records a single end-to-end orchestrator execution.
type ScrapeRun struct {
	RunID             string    `json:"runId"`
	RunType           RunType   `json:"runType"`
	Status            RunStatus `json:"status"`
	StartTime         time.Time `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	PagesScraped      int64     `json:"pagesScraped"`
	RevisionsScraped  int64     `json:"revisionsScraped"`
	FilesDownloaded   int64     `json:"filesDownloaded"`
	PagesNew          int64     `json:"pagesNew"`
	PagesModified     int64     `json:"pagesModified"`
	PagesDeleted      int64     `json:"pagesDeleted"`
	PagesMoved        int64     `json:"pagesMoved"`
	ErrorsJSON        []byte    `json:"errorsJson,omitempty"`
}

// Phase is a checkpoint lifecycle marker for the orchestrator in progress.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseDiscovering      Phase = "discovering"
	PhaseScrapingPages    Phase = "scraping_pages"
	PhaseDownloadingFiles Phase = "downloading_files"
	PhaseExtractingLinks  Phase = "extracting_links"
	PhaseVerifying        Phase = "verifying"
	PhaseComplete         Phase = "complete"
)

// Checkpoint is the process-owned durable snapshot of orchestrator progress.
type Checkpoint struct {
	Version                string          `json:"version"`
	StartedAt              time.Time       `json:"startedAt"`
	LastUpdate             time.Time       `json:"lastUpdate"`
	Parameters             map[string]any  `json:"parameters"`
	Phase                  Phase           `json:"phase"`
	NamespacesCompleted    []int           `json:"namespacesCompleted"`
	CurrentNamespace       int             `json:"currentNamespace"`
	CompletedNewPages      []int64         `json:"completedNewPages"`
	CompletedModifiedPages []int64         `json:"completedModifiedPages"`
	CompletedDeletedPages  []int64         `json:"completedDeletedPages"`
	CompletedFiles         []string        `json:"completedFiles"`
}

// PageUpdateInfo summarizes a page's stored revision state, used by the
// incremental orchestrator to compute a high-water mark for fetching only
// newer revisions.
type PageUpdateInfo struct {
	PageID            int64  `json:"pageId"`
	Namespace         int    `json:"namespace"`
	Title             string `json:"title"`
	IsRedirect        bool   `json:"isRedirect"`
	HighestRevisionID int64  `json:"highestRevisionId"`
	LastRevisionTS    *time.Time `json:"lastRevisionTs,omitempty"`
	TotalRevisions    int64  `json:"totalRevisions"`
}

// MovedPage describes a page move (rename) event from the recent-changes feed.
type MovedPage struct {
	PageID      int64     `json:"pageId"`
	OldTitle    string    `json:"oldTitle"`
	NewTitle    string    `json:"newTitle"`
	Namespace   int       `json:"namespace"`
	Timestamp   time.Time `json:"timestamp"`
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/orchestrator"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
)

//nolint:lll
type IncrementalCommand struct {
	Since     string  `help:"Ignored; retained for operator familiarity. The incremental orchestrator always resumes from the last successful run recorded in the database." name:"since" placeholder:"TIME"`
	Namespace []int   `help:"Namespace to scrape. Can be given multiple times. Defaults to the standard content namespaces." name:"namespace" placeholder:"N"`
	RateLimit float64 `default:"${defaultRateLimit}" help:"Maximum requests per second issued to the wiki." name:"rate-limit" placeholder:"R"`
}

func (c *IncrementalCommand) Run(globals *Globals) errors.E {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collab, errE := buildCollaborators(ctx, globals, c.RateLimit)
	if errE != nil {
		return errE
	}

	namespaces := c.Namespace
	if len(namespaces) == 0 {
		namespaces = scrape.StandardNamespaces
	}

	detector := scrape.NewChangeDetector(collab.repo, scrape.NewRecentChangesReader(collab.client))
	inc := orchestrator.NewIncremental(
		collab.repo, collab.checkpoint, detector, collab.revisions(), collab.files(globals.DataDir), collab.links(), collab.verifier, globals.Logger,
	)

	stats, errE := inc.Run(ctx, namespaces)
	if ctx.Err() != nil {
		globals.Logger.Warn().Msg("interrupted")
		os.Exit(exitInterrupted)
	}
	if errors.Is(errE, orchestrator.ErrFirstRunRequiresFullScrape) {
		fmt.Fprintln(os.Stderr, "no prior successful run found; run `full` first")
		os.Exit(exitPartialFailure)
	}
	if errE != nil {
		return errE
	}

	if !globals.Quiet {
		fmt.Fprintf(
			os.Stdout, "new=%d modified=%d deleted=%d moved=%d revisions=%d files=%d in %s\n",
			stats.PagesNew, stats.PagesModified, stats.PagesDeleted, stats.PagesMoved, stats.RevisionsAdded, stats.FilesDownloaded, stats.Duration,
		)
	}

	return nil
}

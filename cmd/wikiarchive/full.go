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

// exitPartialFailure is returned when a run completes but exceeds the
// acceptable page-failure rate, per the "partial" run outcome in §7.
const exitPartialFailure = 1

// exitInterrupted mirrors the shell convention for SIGINT/SIGTERM (128 + signal number).
const exitInterrupted = 130

//nolint:lll
type FullCommand struct {
	Namespace []int   `help:"Namespace to scrape. Can be given multiple times. Defaults to the standard content namespaces." name:"namespace" placeholder:"N"`
	RateLimit float64 `default:"${defaultRateLimit}" help:"Maximum requests per second issued to the wiki." name:"rate-limit" placeholder:"R"`
	Force     bool    `help:"Bypass the already-populated-database safety prompt." name:"force"`
	DryRun    bool    `help:"Discover pages only, print a namespace breakdown and ETA, and make no writes." name:"dry-run"`
}

func (c *FullCommand) Run(globals *Globals) errors.E {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collab, errE := buildCollaborators(ctx, globals, c.RateLimit)
	if errE != nil {
		return errE
	}

	namespaces := c.Namespace

	if c.DryRun {
		return c.runDryRun(ctx, globals, collab, namespaces)
	}

	if !c.Force {
		last, errE := collab.repo.LastSuccessfulRunEndTime(ctx)
		if errE != nil {
			return errE
		}
		if last != nil {
			return errors.Errorf("database already has a successful run recorded (ended %s); pass --force to scrape again", last.Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	baseline := orchestrator.NewBaseline(
		collab.repo, collab.checkpoint, collab.discoverer(), collab.revisions(),
		collab.files(globals.DataDir), collab.links(), collab.verifier, globals.Logger,
	)

	result, errE := baseline.Run(ctx, namespaces, map[string]any{"namespaces": namespaces})
	if ctx.Err() != nil {
		globals.Logger.Warn().Msg("interrupted, checkpoint saved")
		os.Exit(exitInterrupted)
	}
	if errE != nil {
		return errE
	}

	if !globals.Quiet {
		fmt.Fprintf(os.Stdout, "scraped %d pages, %d revisions, %d files in %s\n", result.Pages, result.Revisions, result.Files, result.Duration)
		for _, msg := range firstN(result.Errors, 5) { //nolint:gomnd
			fmt.Fprintf(os.Stdout, "note: %s\n", msg)
		}
	}

	if result.Pages > 0 && float64(len(result.FailedPageIDs))/float64(result.Pages) > failedPageRateThresholdCLI {
		globals.Logger.Error().Int("failedPages", len(result.FailedPageIDs)).Int("totalPages", result.Pages).Msg("page failure rate exceeded threshold")
		os.Exit(exitPartialFailure)
	}

	return nil
}

// failedPageRateThresholdCLI mirrors the orchestrator's partial-success
// boundary (internal/orchestrator.failedPageRateThreshold is unexported).
const failedPageRateThresholdCLI = 0.10

func (c *FullCommand) runDryRun(ctx context.Context, globals *Globals, collab *collaborators, namespaces []int) errors.E {
	if len(namespaces) == 0 {
		namespaces = scrape.StandardNamespaces
	}

	discoverer := collab.discoverer()
	total := 0
	for _, ns := range namespaces {
		pages, errE := discoverer.Discover(ctx, ns, nil)
		if errE != nil {
			return errE
		}
		total += len(pages)
		if !globals.Quiet {
			fmt.Fprintf(os.Stdout, "namespace %d: %d pages\n", ns, len(pages))
		}
	}

	if c.RateLimit > 0 && !globals.Quiet {
		etaSeconds := float64(total) / c.RateLimit
		fmt.Fprintf(os.Stdout, "total %d pages, eta ~%.0fs at %.2f req/s\n", total, etaSeconds, c.RateLimit)
	}

	return nil
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

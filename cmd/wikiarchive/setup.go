package main

import (
	"context"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/checkpoint"
	"gitlab.com/wikiarchiver/archiver/internal/orchestrator"
	"gitlab.com/wikiarchiver/archiver/internal/ratelimit"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
	"gitlab.com/wikiarchiver/archiver/internal/store"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

const fileNamespaceName = "File"
const categoryNamespaceName = "Category"

// collaborators bundles the components every subcommand wires together,
// built once from Globals and a command-specific rate limit.
type collaborators struct {
	repo       *store.Repository
	client     *wikiapi.Client
	checkpoint *checkpoint.Store
	verifier   *orchestrator.Verifier
}

func buildCollaborators(ctx context.Context, globals *Globals, rateLimit float64) (*collaborators, errors.E) {
	dbpool, errE := store.InitPostgres(ctx, string(globals.Database), globals.Logger)
	if errE != nil {
		return nil, errE
	}

	if errE := store.RetryTransaction(ctx, dbpool, pgx.ReadWrite, store.EnsureSchema, nil); errE != nil {
		return nil, errE
	}

	repo := store.NewRepository(dbpool)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:           rateLimit > 0,
		RequestsPerSecond: rateLimit,
		BaseDelay:         globals.Timeout / 10, //nolint:gomnd
		MaxDelay:          globals.Timeout,
	})
	client := wikiapi.NewClient(wikiapi.Config{
		BaseURL:    globals.BaseURL,
		UserAgent:  globals.UserAgent,
		Timeout:    globals.Timeout,
		MaxRetries: globals.MaxRetries,
	}, limiter, globals.Logger)

	cp := checkpoint.New(globals.DataDir+"/checkpoint.json", globals.Logger)
	verifier := orchestrator.NewVerifier(repo, globals.Logger)

	return &collaborators{repo: repo, client: client, checkpoint: cp, verifier: verifier}, nil
}

func (c *collaborators) discoverer() *scrape.Discoverer {
	return scrape.NewDiscoverer(c.client)
}

func (c *collaborators) revisions() *scrape.RevisionFetcher {
	return scrape.NewRevisionFetcher(c.client)
}

func (c *collaborators) files(dataDir string) *scrape.FileFetcher {
	return scrape.NewFileFetcher(c.client, dataDir)
}

func (c *collaborators) links() *scrape.LinkExtractor {
	return scrape.NewLinkExtractor(fileNamespaceName, categoryNamespaceName)
}

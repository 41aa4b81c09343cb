package orchestrator_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchiver/archiver/internal/checkpoint"
	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/orchestrator"
	"gitlab.com/wikiarchiver/archiver/internal/ratelimit"
	"gitlab.com/wikiarchiver/archiver/internal/scrape"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

func TestIncrementalRunRequiresFullScrapeFirst(t *testing.T) {
	ctx, repo := newTestRepository(t)

	server := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"query":{"general":{"generator":"MediaWiki 1.39.0"},"namespaces":{}}}`)
	})
	t.Cleanup(server.Close)

	limiter := ratelimit.New(ratelimit.Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	client := wikiapi.NewClient(wikiapi.Config{BaseURL: server.URL, UserAgent: "test/1.0", Timeout: 5 * time.Second, MaxRetries: 2}, limiter, testLogger(t))

	detector := scrape.NewChangeDetector(repo, scrape.NewRecentChangesReader(client))
	verifier := orchestrator.NewVerifier(repo, testLogger(t))
	cp := checkpoint.New(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger(t))
	inc := orchestrator.NewIncremental(repo, cp, detector, scrape.NewRevisionFetcher(client), scrape.NewFileFetcher(client, t.TempDir()), scrape.NewLinkExtractor("File", "Category"), verifier, testLogger(t))

	_, errE := inc.Run(ctx, nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, orchestrator.ErrFirstRunRequiresFullScrape)
}

func TestIncrementalRunAfterBaselineAppliesChanges(t *testing.T) {
	ctx, repo := newTestRepository(t)
	baseline, _ := newTestCollaborators(t, repo)

	_, errE := baseline.Run(ctx, []int{0}, map[string]any{"namespaces": []any{0.0}})
	require.NoError(t, errE, "% -+#.1v", errE)

	server := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("meta") == "siteinfo":
			fmt.Fprint(w, `{"query":{"general":{"generator":"MediaWiki 1.39.0"},"namespaces":{"0":{"id":0,"name":"","canonical":""}}}}`)
		case r.URL.Query().Get("list") == "recentchanges":
			fmt.Fprint(w, `{"query":{"recentchanges":[
				{"rcid":1,"type":"new","ns":0,"title":"NewPage","pageid":777,"revid":9100,"timestamp":"2024-06-01T00:00:00Z"}
			]}}`)
		case r.URL.Query().Get("prop") == "revisions":
			fmt.Fprint(w, `{"query":{"pages":[{"pageid":777,"revisions":[
				{"revid":9100,"timestamp":"2024-06-01T00:00:00Z","comment":"create","size":5,"sha1":"bbb","*":"hi"}
			]}]}}`)
		case r.URL.Query().Get("list") == "allimages":
			fmt.Fprint(w, `{"query":{"allimages":[]}}`)
		default:
			fmt.Fprint(w, `{"query":{}}`)
		}
	})
	t.Cleanup(server.Close)

	limiter := ratelimit.New(ratelimit.Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	client := wikiapi.NewClient(wikiapi.Config{BaseURL: server.URL, UserAgent: "test/1.0", Timeout: 5 * time.Second, MaxRetries: 2}, limiter, testLogger(t))

	detector := scrape.NewChangeDetector(repo, scrape.NewRecentChangesReader(client))
	verifier := orchestrator.NewVerifier(repo, testLogger(t))
	cp := checkpoint.New(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger(t))
	inc := orchestrator.NewIncremental(repo, cp, detector, scrape.NewRevisionFetcher(client), scrape.NewFileFetcher(client, t.TempDir()), scrape.NewLinkExtractor("File", "Category"), verifier, testLogger(t))

	stats, errE := inc.Run(ctx, []int{0})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, 1, stats.PagesNew)
	assert.Equal(t, 1, stats.RevisionsAdded)
}

func TestIncrementalRunResumesFromCheckpoint(t *testing.T) {
	ctx, repo := newTestRepository(t)
	baseline, _ := newTestCollaborators(t, repo)

	_, errE := baseline.Run(ctx, []int{0}, map[string]any{"namespaces": []any{0.0}})
	require.NoError(t, errE, "% -+#.1v", errE)

	var revisionRequests []string
	server := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("meta") == "siteinfo":
			fmt.Fprint(w, `{"query":{"general":{"generator":"MediaWiki 1.39.0"},"namespaces":{"0":{"id":0,"name":"","canonical":""}}}}`)
		case r.URL.Query().Get("list") == "recentchanges":
			fmt.Fprint(w, `{"query":{"recentchanges":[
				{"rcid":1,"type":"new","ns":0,"title":"AlreadyDone","pageid":777,"revid":9100,"timestamp":"2024-06-01T00:00:00Z"},
				{"rcid":2,"type":"new","ns":0,"title":"StillPending","pageid":778,"revid":9200,"timestamp":"2024-06-01T00:05:00Z"}
			]}}`)
		case r.URL.Query().Get("prop") == "revisions":
			pageIDs := r.URL.Query().Get("pageids")
			revisionRequests = append(revisionRequests, pageIDs)
			fmt.Fprintf(w, `{"query":{"pages":[{"pageid":%s,"revisions":[
				{"revid":9200,"timestamp":"2024-06-01T00:05:00Z","comment":"create","size":5,"sha1":"ccc","*":"hi"}
			]}]}}`, pageIDs)
		case r.URL.Query().Get("list") == "allimages":
			fmt.Fprint(w, `{"query":{"allimages":[]}}`)
		default:
			fmt.Fprint(w, `{"query":{}}`)
		}
	})
	t.Cleanup(server.Close)

	limiter := ratelimit.New(ratelimit.Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	client := wikiapi.NewClient(wikiapi.Config{BaseURL: server.URL, UserAgent: "test/1.0", Timeout: 5 * time.Second, MaxRetries: 2}, limiter, testLogger(t))

	detector := scrape.NewChangeDetector(repo, scrape.NewRecentChangesReader(client))
	verifier := orchestrator.NewVerifier(repo, testLogger(t))
	cp := checkpoint.New(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger(t))
	require.NoError(t, cp.Save(ctx, model.Checkpoint{
		Parameters:        map[string]any{"namespaces": []int{0}},
		Phase:             model.PhaseScrapingPages,
		CompletedNewPages: []int64{777},
	}))

	inc := orchestrator.NewIncremental(repo, cp, detector, scrape.NewRevisionFetcher(client), scrape.NewFileFetcher(client, t.TempDir()), scrape.NewLinkExtractor("File", "Category"), verifier, testLogger(t))

	stats, errE := inc.Run(ctx, []int{0})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, 1, stats.PagesNew, "the checkpointed page is skipped, only the pending one is scraped")
	assert.Equal(t, []string{"778"}, revisionRequests)
}

package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchiver/archiver/internal/ratelimit"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *wikiapi.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return wikiapi.NewClient(wikiapi.Config{
		BaseURL:    server.URL,
		UserAgent:  "archiver-test/1.0",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}, testLimiter(), zerolog.Nop())
}

func siteInfoHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `{"query":{"general":{"generator":"MediaWiki 1.39.0"},"namespaces":{"0":{"id":0,"name":"","canonical":""},"6":{"id":6,"name":"File","canonical":"File"},"14":{"id":14,"name":"Category","canonical":"Category"}}}}`)
}

func TestDiscoverPaginatesAndParses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		if r.URL.Query().Get("gapcontinue") == "" {
			fmt.Fprint(w, `{"continue":{"gapcontinue":"Bar"},"query":{"pages":[{"pageid":1,"ns":0,"title":"Foo"}]}}`)
			return
		}
		fmt.Fprint(w, `{"query":{"pages":[{"pageid":2,"ns":0,"title":"Bar","redirect":""}]}}`)
	})

	discoverer := NewDiscoverer(client)
	pages, errE := discoverer.Discover(context.Background(), 0, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, pages, 2)
	assert.Equal(t, "Foo", pages[0].Title)
	assert.False(t, pages[0].IsRedirect)
	assert.Equal(t, "Bar", pages[1].Title)
	assert.True(t, pages[1].IsRedirect)
}

func TestDiscoverStripsNamespacePrefix(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"query":{"pages":[{"pageid":1369,"ns":14,"title":"Category:Acolyte"}]}}`)
	})

	discoverer := NewDiscoverer(client)
	pages, errE := discoverer.Discover(context.Background(), 14, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, pages, 1)
	assert.Equal(t, "Acolyte", pages[0].Title)
	assert.Equal(t, 14, pages[0].Namespace)
}

func TestDiscoverAllAcrossNamespaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		ns := r.URL.Query().Get("gapnamespace")
		fmt.Fprintf(w, `{"query":{"pages":[{"pageid":1,"ns":%s,"title":"Page"}]}}`, ns)
	})

	discoverer := NewDiscoverer(client)
	pages, errE := discoverer.DiscoverAll(context.Background(), []int{0, 1}, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, pages, 2)
}

package wikiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchiver/archiver/internal/ratelimit"
)

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{
		BaseURL:    server.URL,
		UserAgent:  "archiver-test/1.0",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}, testLimiter(), zerolog.Nop())
}

func siteInfoHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("meta") == "siteinfo" {
		fmt.Fprint(w, `{"query":{"general":{"generator":"MediaWiki 1.39.0"},"namespaces":{"0":{"id":0,"name":"","canonical":""},"14":{"id":14,"name":"Category","canonical":"Category"}}}}`)
		return
	}
}

func TestQueryBootstrapsSiteInfoOnce(t *testing.T) {
	var siteInfoCalls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			atomic.AddInt32(&siteInfoCalls, 1)
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"query":{"pages":[]}}`)
	})

	ctx := context.Background()
	_, errE := client.Query(ctx, url.Values{"list": {"allpages"}})
	require.NoError(t, errE)
	_, errE = client.Query(ctx, url.Values{"list": {"allpages"}})
	require.NoError(t, errE)

	assert.Equal(t, int32(1), atomic.LoadInt32(&siteInfoCalls))
	assert.Equal(t, "MediaWiki 1.39.0", client.ServerVersion())
	assert.Equal(t, "Category", client.Namespaces()[14])
}

func TestQueryNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	_, errE := client.Query(context.Background(), url.Values{})
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrPageNotFound)
}

func TestQueryUpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"error":{"code":"badvalue","info":"bad value for limit"}}`)
	})

	_, errE := client.Query(context.Background(), url.Values{})
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrAPIResponse)
}

func TestQueryRetriesTransientThenSucceeds(t *testing.T) {
	var attempt int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		n := atomic.AddInt32(&attempt, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"query":{"pages":[{"pageid":1}]}}`)
	})

	result, errE := client.Query(context.Background(), url.Values{})
	require.NoError(t, errE)
	require.NotNil(t, result.Query)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempt))
}

func TestQueryExhaustsRetries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, errE := client.Query(context.Background(), url.Values{})
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrAPIRequest)
}

func TestWarningsAreDeduped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"warnings":{"main":{"warnings":"","*":"deprecated parameter"}},"query":{"pages":[]}}`)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, errE := client.Query(ctx, url.Values{})
		require.NoError(t, errE)
	}

	stats := client.WarningStats()
	require.Len(t, stats, 1)
	for _, count := range stats {
		assert.Equal(t, 3, count)
	}
}

func TestRequireFieldsAndTypedGet(t *testing.T) {
	d := map[string]any{"pageid": json.Number("42"), "title": "Foo"}

	require.NoError(t, RequireFields(d, []string{"pageid", "title"}, "test"))
	require.Error(t, RequireFields(d, []string{"missing"}, "test"))

	title, errE := TypedGet[string](d, "title", "test")
	require.NoError(t, errE)
	assert.Equal(t, "Foo", title)

	_, errE = TypedGet[int](d, "title", "test")
	assert.Error(t, errE)

	_, errE = TypedGet[string](d, "nope", "test")
	assert.Error(t, errE)
}

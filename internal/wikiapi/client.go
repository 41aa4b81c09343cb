// Package wikiapi is the single typed entry point to the MediaWiki query
// API: it retries transient failures, validates responses, detects the
// upstream server version, and tracks deprecation warnings (C2). Pagination
// across continuation tokens lives alongside it in pagination.go (C3).
package wikiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/ratelimit"
)

// Config configures a Client.
type Config struct {
	BaseURL      string        `yaml:"baseUrl"`
	UserAgent    string        `yaml:"userAgent"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	// SupportedVersions is the tested allow-list of upstream MediaWiki
	// generator strings (substring match); an empty list disables the check.
	SupportedVersions []string `yaml:"supportedVersions"`
}

// warningKey is the process-wide dedup key for a (warning source, message)
// pair, per §4.2: each unique pair is logged at WARN once, DEBUG afterwards.
type warningKey struct {
	source string
	digest string
}

// Client is a single typed entry point to one wiki's query API.
type Client struct {
	config  Config
	http    *retryablehttp.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	bootstrapOnce sync.Once
	bootstrapErr  errors.E

	mu         sync.Mutex
	namespaces map[int]string // namespace ID -> canonical prefix
	serverVersion string

	warningCounts *lru.Cache[warningKey, int]
}

// NewClient creates a Client. The limiter is shared across every Client
// talking to the same wiki, enforcing the single outbound-request budget
// described in §5.
func NewClient(config Config, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 0 // retries are driven explicitly through the limiter's Backoff, not retryablehttp's own policy
	httpClient.HTTPClient.Timeout = config.Timeout

	warningCounts, _ := lru.New[warningKey, int](1024)

	return &Client{
		config:        config,
		http:          httpClient,
		limiter:       limiter,
		logger:        logger.With().Str("component", "wikiapi").Logger(),
		namespaces:    map[int]string{},
		warningCounts: warningCounts,
	}
}

// Result is the generic, validated envelope of a successful query: Query
// holds the decoded "query" object (as a map, for use with RequireFields
// and TypedGet by the specific scraper that issued the request) and
// Continue holds the raw continuation parameters, if any.
type Result struct {
	Query    map[string]any
	Continue map[string]string
}

// Query issues one query-API round-trip. It injects the fixed
// action=query&format=json parameters, rate-limits and retries the call,
// validates the envelope, and folds in warning bookkeeping.
func (c *Client) Query(ctx context.Context, params url.Values) (*Result, errors.E) {
	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}
	return c.doQuery(ctx, params)
}

func (c *Client) doQuery(ctx context.Context, params url.Values) (*Result, errors.E) {
	data := url.Values{}
	for k, v := range params {
		data[k] = v
	}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")

	apiURL := strings.TrimRight(c.config.BaseURL, "/") + "/w/api.php"

	var lastErr errors.E
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Backoff(ctx, attempt-1); err != nil {
				return nil, errors.WithStack(err)
			}
		} else if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.WithStack(err)
		}

		result, transient, errE := c.roundTrip(ctx, apiURL, data)
		if errE == nil {
			return result, nil
		}
		lastErr = errE
		if !transient {
			return nil, errE
		}
	}

	errE := errors.WrapWith(lastErr, ErrAPIRequest)
	errors.Details(errE)["attempts"] = c.config.MaxRetries + 1
	return nil, errE
}

// roundTrip performs one HTTP call and classifies the outcome. The bool
// return indicates whether the error (if any) is transient and eligible
// for retry.
func (c *Client) roundTrip(ctx context.Context, apiURL string, data url.Values) (*Result, bool, errors.E) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL+"?"+data.Encode(), nil)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["url"] = apiURL
		return nil, true, errE // connection errors/timeouts are transient
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		errE := errors.WithStack(ErrPageNotFound)
		errors.Details(errE)["url"] = apiURL
		return nil, false, errE
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(resp.Body)
		errE := errors.Errorf("transient http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		errors.Details(errE)["url"] = apiURL
		errors.Details(errE)["status"] = resp.StatusCode
		return nil, true, errE
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		errE := errors.WrapWith(errors.Errorf("bad response status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), ErrAPIResponse)
		errors.Details(errE)["url"] = apiURL
		return nil, false, errE
	}

	var env envelope
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&env); err != nil {
		errE := errors.WrapWith(errors.WithStack(err), ErrAPIResponse)
		errors.Details(errE)["url"] = apiURL
		return nil, false, errE
	}

	if env.Error != nil {
		var apiErr apiError
		_ = json.Unmarshal(env.Error, &apiErr)
		errE := errors.WrapWith(errors.Errorf("upstream error %s: %s", apiErr.Code, apiErr.Info), ErrAPIResponse)
		errors.Details(errE)["url"] = apiURL
		errors.Details(errE)["code"] = apiErr.Code
		return nil, false, errE
	}

	c.recordWarnings(env.Warnings)

	var query map[string]any
	if len(env.Query) > 0 {
		if err := json.Unmarshal(env.Query, &query); err != nil {
			errE := errors.WrapWith(errors.WithStack(err), ErrAPIResponse)
			errors.Details(errE)["url"] = apiURL
			return nil, false, errE
		}
	}
	if env.Continue != nil && query == nil {
		// A continue object must accompany an actual query object; guard
		// against a shape we do not understand rather than silently
		// dropping data.
		query = map[string]any{}
	}

	return &Result{Query: query, Continue: env.Continue}, false, nil
}

func (c *Client) recordWarnings(warnings map[string]warning) {
	for source, w := range warnings {
		text := w.Text
		if len(text) > 100 { //nolint:gomnd
			text = text[:100]
		}
		key := warningKey{source: source, digest: text}

		c.mu.Lock()
		count, _ := c.warningCounts.Get(key)
		count++
		c.warningCounts.Add(key, count)
		c.mu.Unlock()

		event := c.logger.Debug()
		if count == 1 {
			event = c.logger.Warn()
		}
		event.Str("source", source).Str("warning", text).Int("count", count).Msg("upstream api warning")
	}
}

// WarningStats returns how many times each unique (source, truncated
// message) warning pair has been observed this process.
func (c *Client) WarningStats() map[string]int {
	out := map[string]int{}
	for _, key := range c.warningCounts.Keys() {
		count, ok := c.warningCounts.Peek(key)
		if ok {
			out[fmt.Sprintf("%s: %s", key.source, key.digest)] = count
		}
	}
	return out
}

// bootstrap issues the siteinfo/general probe exactly once per process,
// recording the upstream server version and namespace table.
func (c *Client) bootstrap(ctx context.Context) errors.E {
	c.bootstrapOnce.Do(func() {
		params := url.Values{}
		params.Set("meta", "siteinfo")
		params.Set("siprop", "general|namespaces")

		result, errE := c.doQuery(ctx, params)
		if errE != nil {
			c.bootstrapErr = errE
			return
		}

		raw, err := json.Marshal(result.Query)
		if err != nil {
			c.bootstrapErr = errors.WithStack(err)
			return
		}
		var info siteInfoResponse
		if err := json.Unmarshal(raw, &info.Query); err != nil {
			c.bootstrapErr = errors.WrapWith(errors.WithStack(err), ErrAPIResponse)
			return
		}

		c.mu.Lock()
		c.serverVersion = info.Query.General.Generator
		for _, ns := range info.Query.Namespaces {
			c.namespaces[ns.ID] = ns.Canon
		}
		c.mu.Unlock()

		if !c.versionAllowed(info.Query.General.Generator) {
			c.logger.Warn().Str("serverVersion", info.Query.General.Generator).Msg("upstream server version is outside the tested allow-list")
		} else {
			c.logger.Info().Str("serverVersion", info.Query.General.Generator).Msg("detected upstream server version")
		}
	})
	return c.bootstrapErr
}

func (c *Client) versionAllowed(version string) bool {
	if len(c.config.SupportedVersions) == 0 {
		return true
	}
	for _, allowed := range c.config.SupportedVersions {
		if strings.Contains(version, allowed) {
			return true
		}
	}
	return false
}

// ServerVersion returns the detected upstream generator string. It is only
// meaningful after the first successful Query.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Namespaces returns the namespace ID -> canonical-prefix table fetched at
// bootstrap, used by page discovery (C6) to strip the namespace prefix from
// titles. The link extractor (C9) does not read it; it is configured with
// fixed File/Category names.
func (c *Client) Namespaces() map[int]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]string, len(c.namespaces))
	for k, v := range c.namespaces {
		out[k] = v
	}
	return out
}

// HTTPClient exposes the underlying retryable client for components (the
// file downloader, C8) that need raw byte-stream access rather than the
// JSON query envelope.
func (c *Client) HTTPClient() *retryablehttp.Client {
	return c.http
}

// BaseURL returns the configured wiki host.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Logger returns the client's sub-logger, for components (C10's malformed
// entry skipping) that need to log without threading their own logger.
func (c *Client) Logger() *zerolog.Logger {
	return &c.logger
}

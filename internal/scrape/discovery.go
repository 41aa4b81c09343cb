// Package scrape implements the upstream-facing scrapers (C6-C11): page
// discovery, revision fetching, file fetching, link extraction, the
// recent-changes reader, and the change detector. Each is a thin, typed
// layer over wikiapi.Client and wikiapi.Paginate.
package scrape

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

const discoveryPageLimit = 500

// Discoverer enumerates page identities per namespace (C6).
type Discoverer struct {
	client *wikiapi.Client
}

// NewDiscoverer returns a Discoverer bound to client.
func NewDiscoverer(client *wikiapi.Client) *Discoverer {
	return &Discoverer{client: client}
}

// Discover enumerates every page in namespace, in upstream order.
func (d *Discoverer) Discover(ctx context.Context, namespace int, onBatch wikiapi.OnBatch) ([]model.Page, errors.E) {
	var pages []model.Page

	params := url.Values{
		"generator":  {"allpages"},
		"gapnamespace": {strconv.Itoa(namespace)},
		"gaplimit":   {strconv.Itoa(discoveryPageLimit)},
		"prop":       {"info"},
		"inprop":     {"protection"},
	}

	errE := wikiapi.Paginate(ctx, d.client, params, []string{"pages"}, onBatch, func(item any) error {
		entry, ok := item.(map[string]any)
		if !ok {
			return errors.WrapWith(errors.Errorf("entry has unexpected type %T", item), wikiapi.ErrAPIResponse)
		}

		pageID, errE := wikiapi.TypedGet[float64](entry, "pageid", "page discovery entry")
		if errE != nil {
			return errE
		}
		ns, errE := wikiapi.TypedGet[float64](entry, "ns", "page discovery entry")
		if errE != nil {
			return errE
		}
		title, errE := wikiapi.TypedGet[string](entry, "title", "page discovery entry")
		if errE != nil {
			return errE
		}

		_, isRedirect := entry["redirect"]

		pages = append(pages, model.Page{
			PageID:     int64(pageID),
			Namespace:  int(ns),
			Title:      stripNamespacePrefix(title, int(ns), d.client.Namespaces()),
			IsRedirect: isRedirect,
		})
		return nil
	})
	if errE != nil {
		return nil, errE
	}

	return pages, nil
}

// stripNamespacePrefix puts a discovery-API title into wire form: the
// canonical prefix for namespace (as reported by siteinfo) is cut off if
// present, and spaces become underscores. Namespace 0 has an empty canonical
// prefix, so main-namespace titles pass through unchanged apart from the
// space/underscore normalization.
func stripNamespacePrefix(title string, namespace int, namespaces map[int]string) string {
	if canon := namespaces[namespace]; canon != "" {
		if prefix, rest, found := strings.Cut(title, ":"); found && strings.EqualFold(strings.TrimSpace(prefix), canon) {
			title = rest
		}
	}
	return normalizeTitle(title)
}

// DiscoverAll enumerates every page across the given namespaces.
func (d *Discoverer) DiscoverAll(ctx context.Context, namespaces []int, onBatch wikiapi.OnBatch) ([]model.Page, errors.E) {
	var all []model.Page
	for _, ns := range namespaces {
		pages, errE := d.Discover(ctx, ns, onBatch)
		if errE != nil {
			return all, errE
		}
		all = append(all, pages...)
	}
	return all, nil
}

// StandardNamespaces are the 16 standard MediaWiki content/meta namespaces
// scraped by default when the caller does not restrict to a subset.
var StandardNamespaces = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15} //nolint:gochecknoglobals

package scrape

import (
	"regexp"
	"strings"

	"gitlab.com/wikiarchiver/archiver/internal/model"
)

// wikilinkRe matches [[Target]] or [[Target|label]]; the target group
// captures everything up to the first "|" or "]]".
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)

// templateRe matches {{Template}} or {{Template|args}}.
var templateRe = regexp.MustCompile(`\{\{([^{}|]+)(?:\|[^{}]*)?\}\}`)

// LinkExtractor derives outgoing links from wikitext (C9). It is pure and
// total: malformed or exotic markup yields zero links, never an error.
type LinkExtractor struct {
	fileNamespace     string
	categoryNamespace string
}

// NewLinkExtractor returns a LinkExtractor that recognizes the given
// namespace canonical names (as reported by siteinfo) for file and category
// links.
func NewLinkExtractor(fileNamespace, categoryNamespace string) *LinkExtractor {
	return &LinkExtractor{fileNamespace: fileNamespace, categoryNamespace: categoryNamespace}
}

// Extract parses wikitext and returns every outgoing link it finds.
func (e *LinkExtractor) Extract(wikitext string) []model.Link {
	var links []model.Link

	for _, match := range wikilinkRe.FindAllStringSubmatch(wikitext, -1) {
		target := strings.TrimSpace(match[1])
		if target == "" {
			continue
		}
		links = append(links, model.Link{TargetTitle: normalizeTitle(target), LinkType: e.classify(target)})
	}

	for _, match := range templateRe.FindAllStringSubmatch(wikitext, -1) {
		target := strings.TrimSpace(match[1])
		if target == "" {
			continue
		}
		links = append(links, model.Link{TargetTitle: normalizeTitle(target), LinkType: model.LinkTemplate})
	}

	return links
}

func (e *LinkExtractor) classify(target string) model.LinkType {
	prefix, _, found := strings.Cut(target, ":")
	if !found {
		return model.LinkWikilink
	}
	prefix = strings.TrimSpace(prefix)
	switch {
	case e.fileNamespace != "" && strings.EqualFold(prefix, e.fileNamespace):
		return model.LinkFile
	case strings.EqualFold(prefix, "File") || strings.EqualFold(prefix, "Image"):
		return model.LinkFile
	case e.categoryNamespace != "" && strings.EqualFold(prefix, e.categoryNamespace):
		return model.LinkCategory
	case strings.EqualFold(prefix, "Category"):
		return model.LinkCategory
	default:
		return model.LinkWikilink
	}
}

// normalizeTitle puts a title in wire form: spaces become underscores and
// the leading character is left as-is (MediaWiki capitalization rules are a
// per-namespace server setting this extractor does not have visibility into).
func normalizeTitle(title string) string {
	return strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
}

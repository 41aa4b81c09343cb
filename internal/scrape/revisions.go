package scrape

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

const revisionPageLimit = 500

// RevisionFetcher fetches a page's revision history (C7).
type RevisionFetcher struct {
	client *wikiapi.Client
}

// NewRevisionFetcher returns a RevisionFetcher bound to client.
func NewRevisionFetcher(client *wikiapi.Client) *RevisionFetcher {
	return &RevisionFetcher{client: client}
}

// FetchRevisions fetches revisions for pageID in ascending revision_id order.
// When startAfterID is non-nil, only revisions newer than that ID are
// requested.
func (r *RevisionFetcher) FetchRevisions(ctx context.Context, pageID int64, startAfterID *int64, onBatch wikiapi.OnBatch) ([]model.Revision, errors.E) {
	var revisions []model.Revision

	params := url.Values{
		"prop":     {"revisions"},
		"pageids":  {strconv.FormatInt(pageID, 10)},
		"rvprop":   {"ids|timestamp|user|userid|comment|size|sha1|tags|content"},
		"rvdir":    {"newer"},
		"rvlimit":  {strconv.Itoa(revisionPageLimit)},
	}
	if startAfterID != nil {
		params.Set("rvstartid", strconv.FormatInt(*startAfterID+1, 10))
	}

	errE := wikiapi.Paginate(ctx, r.client, params, []string{"pages"}, onBatch, func(item any) error {
		page, ok := item.(map[string]any)
		if !ok {
			return errors.WrapWith(errors.Errorf("page entry has unexpected type %T", item), wikiapi.ErrAPIResponse)
		}

		rawRevisions, ok := page["revisions"].([]any)
		if !ok {
			// A page with no revisions in this window is not an error.
			return nil
		}

		for _, raw := range rawRevisions {
			entry, ok := raw.(map[string]any)
			if !ok {
				return errors.WrapWith(errors.Errorf("revision entry has unexpected type %T", raw), wikiapi.ErrAPIResponse)
			}

			rev, errE := parseRevision(pageID, entry)
			if errE != nil {
				return errE
			}
			revisions = append(revisions, rev)
		}
		return nil
	})
	if errE != nil {
		return revisions, errE
	}

	return revisions, nil
}

func parseRevision(pageID int64, entry map[string]any) (model.Revision, errors.E) {
	revID, errE := wikiapi.TypedGet[float64](entry, "revid", "revision entry")
	if errE != nil {
		return model.Revision{}, errE
	}
	timestampStr, errE := wikiapi.TypedGet[string](entry, "timestamp", "revision entry")
	if errE != nil {
		return model.Revision{}, errE
	}
	timestamp, err := time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return model.Revision{}, errors.WrapWith(errors.WithStack(err), wikiapi.ErrAPIResponse)
	}

	rev := model.Revision{
		RevisionID: int64(revID),
		PageID:     pageID,
		Timestamp:  timestamp,
	}

	if parentID, ok := entry["parentid"].(float64); ok && parentID != 0 {
		id := int64(parentID)
		rev.ParentRevisionID = &id
	}
	if user, ok := entry["user"].(string); ok {
		rev.User = &user
	}
	if userID, ok := entry["userid"].(float64); ok && userID != 0 {
		id := int64(userID)
		rev.UserID = &id
	}
	if comment, ok := entry["comment"].(string); ok {
		rev.Comment = comment
	}
	if size, ok := entry["size"].(float64); ok {
		rev.Size = int64(size)
	}
	if sha1, ok := entry["sha1"].(string); ok {
		rev.SHA1 = sha1
	}
	// A suppressed revision omits "*" (content); this is a valid, non-error
	// state, not a parse failure.
	if content, ok := entry["*"].(string); ok {
		rev.Content = &content
	}
	if tags, ok := entry["tags"].([]any); ok {
		for _, tag := range tags {
			if tagStr, ok := tag.(string); ok {
				rev.Tags = append(rev.Tags, tagStr)
			}
		}
	}

	return rev, nil
}

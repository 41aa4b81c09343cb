package scrape

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

const recentChangesLimit = 500

// ErrInvalidWindow is returned when a recent-changes window is empty or
// inverted (start >= end).
var ErrInvalidWindow = errors.Base("invalid recent changes window")

// ChangeType enumerates the recent-changes entry kinds this reader cares
// about.
type ChangeType string

const (
	ChangeNew ChangeType = "new"
	ChangeEdit ChangeType = "edit"
	ChangeLog ChangeType = "log"
)

// LogAction narrows a ChangeLog entry to the actions the change detector
// acts on.
type LogAction string

const (
	LogActionDelete LogAction = "delete"
	LogActionMove   LogAction = "move"
)

// RecentChange is one entry from the upstream recent-changes feed.
type RecentChange struct {
	RCID      int64
	Type      ChangeType
	LogAction LogAction
	Namespace int
	Title     string
	PageID    int64
	RevID     int64
	OldRevID  int64
	Timestamp time.Time
	User      string
	UserID    int64
	Comment   string
	OldLen    int64
	NewLen    int64
	NewTitle  string
}

// RecentChangesReader reads the upstream change feed over a time window (C10).
type RecentChangesReader struct {
	client *wikiapi.Client
}

// NewRecentChangesReader returns a RecentChangesReader bound to client.
func NewRecentChangesReader(client *wikiapi.Client) *RecentChangesReader {
	return &RecentChangesReader{client: client}
}

// Read returns every recent change in [start, end), oldest first.
func (r *RecentChangesReader) Read(ctx context.Context, start, end time.Time, namespaces []int) ([]RecentChange, errors.E) {
	if !start.Before(end) {
		return nil, errors.WithStack(ErrInvalidWindow)
	}

	var changes []RecentChange

	params := url.Values{
		"list":    {"recentchanges"},
		"rcdir":   {"newer"},
		"rclimit": {strconv.Itoa(recentChangesLimit)},
		"rcstart": {start.UTC().Format(time.RFC3339)},
		"rcend":   {end.UTC().Format(time.RFC3339)},
		"rcprop":  {"title|ids|timestamp|user|userid|comment|sizes|loginfo"},
		"rctype":  {"new|edit|log"},
	}
	if len(namespaces) > 0 {
		params.Set("rcnamespace", joinInts(namespaces))
	}

	errE := wikiapi.Paginate(ctx, r.client, params, []string{"recentchanges"}, nil, func(item any) error {
		entry, ok := item.(map[string]any)
		if !ok {
			r.client.Logger().Debug().Msg("recent changes entry has unexpected shape, skipping")
			return nil
		}

		change, errE := parseRecentChange(entry)
		if errE != nil {
			r.client.Logger().Debug().Err(errE).Msg("malformed recent changes entry, skipping")
			return nil
		}
		changes = append(changes, change)
		return nil
	})
	if errE != nil {
		return changes, errE
	}

	return changes, nil
}

func parseRecentChange(entry map[string]any) (RecentChange, errors.E) {
	rcid, errE := wikiapi.TypedGet[float64](entry, "rcid", "recent change entry")
	if errE != nil {
		return RecentChange{}, errE
	}
	typeStr, errE := wikiapi.TypedGet[string](entry, "type", "recent change entry")
	if errE != nil {
		return RecentChange{}, errE
	}
	title, errE := wikiapi.TypedGet[string](entry, "title", "recent change entry")
	if errE != nil {
		return RecentChange{}, errE
	}

	change := RecentChange{
		RCID:  int64(rcid),
		Type:  ChangeType(typeStr),
		Title: title,
	}

	if ns, ok := entry["ns"].(float64); ok {
		change.Namespace = int(ns)
	}
	if pageID, ok := entry["pageid"].(float64); ok {
		change.PageID = int64(pageID)
	}
	if revID, ok := entry["revid"].(float64); ok {
		change.RevID = int64(revID)
	}
	if oldRevID, ok := entry["old_revid"].(float64); ok {
		change.OldRevID = int64(oldRevID)
	}
	if ts, ok := entry["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			change.Timestamp = parsed
		}
	}
	if user, ok := entry["user"].(string); ok {
		change.User = user
	}
	if userID, ok := entry["userid"].(float64); ok {
		change.UserID = int64(userID)
	}
	if comment, ok := entry["comment"].(string); ok {
		change.Comment = comment
	}
	if oldLen, ok := entry["oldlen"].(float64); ok {
		change.OldLen = int64(oldLen)
	}
	if newLen, ok := entry["newlen"].(float64); ok {
		change.NewLen = int64(newLen)
	}
	if logaction, ok := entry["logaction"].(string); ok {
		change.LogAction = LogAction(logaction)
	}
	if newTitle, ok := entry["logparams"].(map[string]any); ok {
		if target, ok := newTitle["target_title"].(string); ok {
			change.NewTitle = target
		}
	}

	return change, nil
}

func joinInts(values []int) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += "|"
		}
		out += strconv.Itoa(v)
	}
	return out
}

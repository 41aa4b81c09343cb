package scrape

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRejectsInvertedWindow(t *testing.T) {
	client := newTestClient(t, siteInfoHandler)
	reader := NewRecentChangesReader(client)

	now := time.Now()
	_, errE := reader.Read(context.Background(), now, now.Add(-time.Hour), nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrInvalidWindow)
}

func TestReadParsesEntriesAndSkipsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"query":{"recentchanges":[
			{"rcid":1,"type":"new","ns":0,"title":"Foo","pageid":10,"revid":100,"timestamp":"2024-01-01T00:00:00Z"},
			{"rcid":2,"type":"edit","ns":0,"title":"Bar","pageid":11,"revid":101,"timestamp":"2024-01-01T01:00:00Z"},
			{"rcid":3,"type":"log","logaction":"delete","ns":0,"title":"Baz","pageid":12,"timestamp":"2024-01-01T02:00:00Z"},
			"not an object"
		]}}`)
	})
	reader := NewRecentChangesReader(client)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	changes, errE := reader.Read(context.Background(), start, end, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, changes, 3)

	assert.Equal(t, ChangeNew, changes[0].Type)
	assert.Equal(t, ChangeEdit, changes[1].Type)
	assert.Equal(t, ChangeLog, changes[2].Type)
	assert.Equal(t, LogActionDelete, changes[2].LogAction)
}

package scrape

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchiver/archiver/internal/model"
)

func TestDiscoverFilesParsesAndValidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"query":{"allimages":[
			{"name":"Example.png","url":"http://example.org/Example.png","descriptionurl":"http://example.org/File:Example.png",
			 "sha1":"0123456789abcdef0123456789abcdef01234567","size":100,"width":10,"height":20,"mime":"image/png",
			 "timestamp":"2024-01-01T00:00:00Z","user":"Uploader"}
		]}}`)
	})

	fetcher := NewFileFetcher(client, t.TempDir())
	files, errE := fetcher.DiscoverFiles(context.Background(), nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, files, 1)

	f := files[0]
	assert.Equal(t, "File:Example.png", f.Title)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", f.SHA1)
	require.NotNil(t, f.Width)
	assert.Equal(t, 10, *f.Width)
	assert.Equal(t, "Uploader", f.Uploader)
}

func TestDiscoverFilesRejectsBadSHA1(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"query":{"allimages":[{"name":"Bad.png","sha1":"not-hex"}]}}`)
	})

	fetcher := NewFileFetcher(client, t.TempDir())
	_, errE := fetcher.DiscoverFiles(context.Background(), nil)
	require.Error(t, errE)
}

func TestTargetPathBucketsByUppercaseLetter(t *testing.T) {
	fetcher := NewFileFetcher(newTestClient(t, siteInfoHandler), "/data")
	path := fetcher.TargetPath("File:Example.png")
	assert.Equal(t, filepath.Join("/data", "files", "F", "File:Example.png"), path)
}

func TestDownloadVerifiesDigestAndSkipsIfPresent(t *testing.T) {
	const content = "file bytes"

	var downloads int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("meta") == "siteinfo" {
			siteInfoHandler(w, r)
			return
		}
		atomic.AddInt32(&downloads, 1)
		fmt.Fprint(w, content)
	})

	dataDir := t.TempDir()
	fetcher := NewFileFetcher(client, dataDir)

	file := model.File{Title: "File:Example.png", URL: client.BaseURL() + "/download", SHA1: "doesnotmatter"}

	digest, errE := DigestOfFile("/nonexistent")
	assert.Error(t, errE)
	assert.Empty(t, digest)

	path, errE := fetcher.Download(context.Background(), file)
	require.Error(t, errE)
	assert.Empty(t, path)

	file.SHA1, _ = digestFromString(content)
	path, errE = fetcher.Download(context.Background(), file)
	require.NoError(t, errE, "% -+#.1v", errE)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	fetched := atomic.LoadInt32(&downloads)
	path, errE = fetcher.Download(context.Background(), file)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.NotEmpty(t, path)
	assert.Equal(t, fetched, atomic.LoadInt32(&downloads), "a present file with a matching digest is not fetched again")
}

func digestFromString(s string) (string, error) {
	f, err := os.CreateTemp("", "digest")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(s); err != nil {
		return "", err
	}
	f.Close()
	digest, errE := DigestOfFile(f.Name())
	if errE != nil {
		return "", errE
	}
	return digest, nil
}

func TestClassifyFileChange(t *testing.T) {
	upstream := model.File{Title: "File:A.png", SHA1: "aaa"}

	assert.Equal(t, FileNew, ClassifyFileChange(upstream, nil))
	assert.Equal(t, FileUnchanged, ClassifyFileChange(upstream, &model.File{SHA1: "aaa"}))
	assert.Equal(t, FileModified, ClassifyFileChange(upstream, &model.File{SHA1: "bbb"}))
}

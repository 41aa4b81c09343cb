package scrape

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
	"unicode"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchiver/archiver/internal/model"
	"gitlab.com/wikiarchiver/archiver/internal/wikiapi"
)

const fileListLimit = 500

var sha1HexRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ErrDownload is returned when a downloaded file's digest does not match
// the metadata sha1.
var ErrDownload = errors.Base("file download digest mismatch")

// FileFetcher enumerates file metadata and downloads bytes with digest
// verification (C8).
type FileFetcher struct {
	client  *wikiapi.Client
	http    *retryablehttp.Client
	dataDir string
}

// NewFileFetcher returns a FileFetcher rooted at dataDir for downloaded
// bytes, reusing the api client's underlying HTTP transport.
func NewFileFetcher(client *wikiapi.Client, dataDir string) *FileFetcher {
	return &FileFetcher{client: client, http: client.HTTPClient(), dataDir: dataDir}
}

// DiscoverFiles walks the upstream file list sorted by name ascending.
func (f *FileFetcher) DiscoverFiles(ctx context.Context, onBatch wikiapi.OnBatch) ([]model.File, errors.E) {
	var files []model.File

	params := url.Values{
		"list":    {"allimages"},
		"aisort":  {"name"},
		"aidir":   {"ascending"},
		"ailimit": {strconv.Itoa(fileListLimit)},
		"aiprop":  {"url|size|sha1|mime|timestamp|user|dimensions"},
	}

	errE := wikiapi.Paginate(ctx, f.client, params, []string{"allimages"}, onBatch, func(item any) error {
		entry, ok := item.(map[string]any)
		if !ok {
			return errors.WrapWith(errors.Errorf("file entry has unexpected type %T", item), wikiapi.ErrAPIResponse)
		}

		file, errE := parseFile(entry)
		if errE != nil {
			return errE
		}
		files = append(files, file)
		return nil
	})
	if errE != nil {
		return files, errE
	}

	return files, nil
}

func parseFile(entry map[string]any) (model.File, errors.E) {
	name, errE := wikiapi.TypedGet[string](entry, "name", "file entry")
	if errE != nil {
		return model.File{}, errE
	}
	if name == "" {
		return model.File{}, errors.WrapWith(errors.New("filename is empty"), wikiapi.ErrAPIResponse)
	}

	file := model.File{Title: "File:" + normalizeTitle(name)}

	if urlStr, ok := entry["url"].(string); ok {
		file.URL = urlStr
	}
	if descURL, ok := entry["descriptionurl"].(string); ok {
		file.DescriptionURL = descURL
	}
	if sha1Str, ok := entry["sha1"].(string); ok {
		if sha1Str != "" && !sha1HexRe.MatchString(sha1Str) {
			return model.File{}, errors.WrapWith(errors.Errorf("sha1 %q is not 40-hex lowercase", sha1Str), wikiapi.ErrAPIResponse)
		}
		file.SHA1 = sha1Str
	}
	if size, ok := entry["size"].(float64); ok {
		if size < 0 {
			return model.File{}, errors.WrapWith(errors.New("negative file size"), wikiapi.ErrAPIResponse)
		}
		file.Size = int64(size)
	}
	if width, ok := entry["width"].(float64); ok && width > 0 {
		w := int(width)
		file.Width = &w
	}
	if height, ok := entry["height"].(float64); ok && height > 0 {
		h := int(height)
		file.Height = &h
	}
	if mime, ok := entry["mime"].(string); ok {
		file.MimeType = mime
	}
	if ts, ok := entry["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			file.UploadedAt = parsed
		}
	}
	// A deleted uploader surfaces as a missing "user" key; that is a valid
	// state, not a parse error, and leaves Uploader empty.
	if user, ok := entry["user"].(string); ok {
		file.Uploader = user
	}

	return file, nil
}

// TargetPath computes the deterministic on-disk path for a file: the first
// letter of the title, uppercased, names a one-letter bucket directory ("_"
// when the title has no letter).
func (f *FileFetcher) TargetPath(title string) string {
	bucket := "_"
	for _, r := range title {
		if unicode.IsUpper(r) {
			bucket = string(r)
			break
		}
		if unicode.IsLetter(r) {
			bucket = string(unicode.ToUpper(r))
			break
		}
	}
	return filepath.Join(f.dataDir, "files", bucket, title)
}

// Download fetches file's bytes to its deterministic target path, verifying
// the digest during streaming. If the target already exists with a matching
// digest, it returns the path without any network I/O. Partial downloads are
// always discarded, never resumed.
func (f *FileFetcher) Download(ctx context.Context, file model.File) (string, errors.E) {
	target := f.TargetPath(file.Title)

	if digest, errE := DigestOfFile(target); errE == nil && digest == file.SHA1 {
		return target, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gomnd
		return "", errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return "", errors.WithStack(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", file.URL, nil)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return "", errors.WithStack(err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return "", errors.WrapWith(errors.WithStack(err), ErrDownload)
	}
	defer resp.Body.Close() //nolint:errcheck

	hasher := sha1.New() //nolint:gosec
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, hasher)); err != nil {
		tmp.Close() //nolint:errcheck
		return "", errors.WrapWith(errors.WithStack(err), ErrDownload)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return "", errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.WithStack(err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if file.SHA1 != "" && digest != file.SHA1 {
		return "", errors.WrapWith(errors.Errorf("expected sha1 %q, got %q", file.SHA1, digest), ErrDownload)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return "", errors.WithStack(err)
	}

	return target, nil
}

// DigestOfFile computes the sha1 digest of the file at path.
func DigestOfFile(path string) (string, errors.E) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	hasher := sha1.New() //nolint:gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithStack(err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FileChangeKind classifies an upstream file against stored state.
type FileChangeKind int

const (
	FileUnchanged FileChangeKind = iota
	FileNew
	FileModified
	FileDeleted
)

// ClassifyFileChange compares an upstream file's sha1 against the stored
// value, if any (nil means no stored row).
func ClassifyFileChange(upstream model.File, stored *model.File) FileChangeKind {
	if stored == nil {
		return FileNew
	}
	if stored.SHA1 != upstream.SHA1 {
		return FileModified
	}
	return FileUnchanged
}

package cogview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/exp/mmap"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ObjectStore is the remote storage the core reads rasters from. Implementations
// report failures as *StorageError and do not retry.
type ObjectStore interface {
	FetchObject(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// RangeOpener is implemented by stores that can serve partial reads. The returned
// reader may implement io.Closer, in which case the caller closes it.
type RangeOpener interface {
	OpenRange(ctx context.Context, key string) (io.ReadSeeker, int64, error)
}

// HTTPStore reads objects from an HTTP server: GET <base>/<key> for data, HEAD and
// ranged GET for partial reads, and GET <base>/?prefix=<p> returning a JSON
// array of ObjectInfo for listings.
type HTTPStore struct {
	BaseURL   string
	Client    *fasthttp.Client
	ReadAhead int
}

// NewHTTPStore creates a store with its own fasthttp client. timeout bounds each
// read and write on the connection; 0 disables it.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &fasthttp.Client{
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			NoDefaultUserAgentHeader: true,
		},
	}
}

// ObjectURL returns the URL of key.
func (s *HTTPStore) ObjectURL(key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.BaseURL + "/" + strings.Join(segments, "/")
}

// FetchObject downloads the whole object.
func (s *HTTPStore) FetchObject(ctx context.Context, key string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.ObjectURL(key))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := doRequest(ctx, s.Client, req, resp); err != nil {
		return nil, &StorageError{Kind: ErrNetwork, Key: key, Err: err}
	}
	if err := statusError(key, resp.StatusCode()); err != nil {
		return nil, err
	}

	body := resp.Body()
	result := make([]byte, len(body))
	copy(result, body)
	return result, nil
}

// ListObjects lists objects whose key starts with prefix.
func (s *HTTPStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.BaseURL + "/?prefix=" + url.QueryEscape(prefix))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := doRequest(ctx, s.Client, req, resp); err != nil {
		return nil, &StorageError{Kind: ErrNetwork, Key: prefix, Err: err}
	}
	if err := statusError(prefix, resp.StatusCode()); err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	if err := json.Unmarshal(resp.Body(), &objects); err != nil {
		return nil, &StorageError{Kind: ErrNetwork, Key: prefix, Err: fmt.Errorf("failed to decode listing: %w", err)}
	}
	return objects, nil
}

// OpenRange returns a reader issuing ranged GETs.
func (s *HTTPStore) OpenRange(ctx context.Context, key string) (io.ReadSeeker, int64, error) {
	rr, err := NewHTTPRangeReader(ctx, s.Client, s.ObjectURL(key), key, s.ReadAhead)
	if err != nil {
		return nil, 0, err
	}
	return rr, rr.Size(), nil
}

// doRequest performs req, honoring ctx cancellation and deadline.
func doRequest(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return client.DoDeadline(req, resp, deadline)
	}
	return client.Do(req, resp)
}

// statusError maps an HTTP status onto the storage taxonomy.
func statusError(key string, status int) error {
	switch {
	case status == fasthttp.StatusOK || status == fasthttp.StatusPartialContent:
		return nil
	case status == fasthttp.StatusNotFound:
		return &StorageError{Kind: ErrNotFound, Key: key}
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return &StorageError{Kind: ErrAccessDenied, Key: key}
	default:
		return &StorageError{Kind: ErrNetwork, Key: key, Err: fmt.Errorf("unexpected status code: %d", status)}
	}
}

// DirStore serves objects from a local directory. Keys are slash-separated paths
// relative to Root; reads are memory-mapped.
type DirStore struct {
	Root string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Root: dir}
}

func (d *DirStore) path(key string) (string, error) {
	clean := filepath.FromSlash(strings.TrimLeft(key, "/"))
	if !filepath.IsLocal(clean) {
		return "", &StorageError{Kind: ErrAccessDenied, Key: key, Err: errors.New("key escapes store root")}
	}
	return filepath.Join(d.Root, clean), nil
}

func fileError(key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &StorageError{Kind: ErrNotFound, Key: key, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &StorageError{Kind: ErrAccessDenied, Key: key, Err: err}
	default:
		return &StorageError{Kind: ErrNetwork, Key: key, Err: err}
	}
}

// FetchObject reads the whole file.
func (d *DirStore) FetchObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Kind: ErrNetwork, Key: key, Err: err}
	}
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	ra, err := mmap.Open(p)
	if err != nil {
		return nil, fileError(key, err)
	}
	defer ra.Close()

	data := make([]byte, ra.Len())
	if _, err := ra.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fileError(key, err)
	}
	return data, nil
}

// mappedFile is a memory-mapped file exposed as a ReadSeeker.
type mappedFile struct {
	*io.SectionReader
	ra *mmap.ReaderAt
}

func (m *mappedFile) Close() error { return m.ra.Close() }

// OpenRange memory-maps the file. Close the returned reader when done.
func (d *DirStore) OpenRange(ctx context.Context, key string) (io.ReadSeeker, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, &StorageError{Kind: ErrNetwork, Key: key, Err: err}
	}
	p, err := d.path(key)
	if err != nil {
		return nil, 0, err
	}
	ra, err := mmap.Open(p)
	if err != nil {
		return nil, 0, fileError(key, err)
	}
	size := int64(ra.Len())
	return &mappedFile{SectionReader: io.NewSectionReader(ra, 0, size), ra: ra}, size, nil
}

// ListObjects walks Root and returns regular files whose key starts with prefix, sorted by key.
func (d *DirStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fileError(prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

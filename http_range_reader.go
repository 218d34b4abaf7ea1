package cogview

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/valyala/fasthttp"
)

// Default read-ahead buffer size (64KB) for sequential access optimization
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader implements io.ReadSeeker over HTTP range requests. Reads are
// served from a read-ahead buffer, so walking an IFD entry by entry costs one request.
type HTTPRangeReader struct {
	ctx    context.Context
	url    string
	key    string
	client *fasthttp.Client
	size   int64

	mu  sync.Mutex
	pos int64

	buffer        []byte
	bufferStart   int64 // file offset of buffer[0]
	readAheadSize int
}

// NewHTTPRangeReader issues a HEAD request for the object size. ctx bounds every
// later request made through the reader.
func NewHTTPRangeReader(ctx context.Context, client *fasthttp.Client, url, key string, readAheadSize int) (*HTTPRangeReader, error) {
	if readAheadSize <= 0 {
		readAheadSize = defaultReadAheadSize
	}
	rr := &HTTPRangeReader{
		ctx:           ctx,
		url:           url,
		key:           key,
		client:        client,
		readAheadSize: readAheadSize,
	}

	size, err := rr.headSize()
	if err != nil {
		return nil, err
	}
	rr.size = size
	return rr, nil
}

// headSize gets the object size using a HEAD request
func (rr *HTTPRangeReader) headSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	// HEAD responses carry Content-Length without a body
	resp.SkipBody = true

	if err := doRequest(rr.ctx, rr.client, req, resp); err != nil {
		return 0, &StorageError{Kind: ErrNetwork, Key: rr.key, Err: err}
	}
	if err := statusError(rr.key, resp.StatusCode()); err != nil {
		return 0, err
	}

	contentLength := resp.Header.ContentLength()
	if contentLength < 0 {
		return 0, &StorageError{Kind: ErrNetwork, Key: rr.key, Err: fmt.Errorf("server did not report object size")}
	}
	return int64(contentLength), nil
}

// Read reads from the current position, refilling the read-ahead buffer on a miss.
func (rr *HTTPRangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.pos >= rr.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := rr.bufferStart + int64(len(rr.buffer))
	if rr.buffer == nil || rr.pos < rr.bufferStart || rr.pos >= end {
		fetch := int64(max(rr.readAheadSize, len(p)))
		data, start, err := rr.fetchRange(rr.pos, min(rr.pos+fetch, rr.size)-1)
		if err != nil {
			return 0, err
		}
		if rr.pos >= start+int64(len(data)) {
			return 0, io.ErrUnexpectedEOF
		}
		rr.buffer = data
		rr.bufferStart = start
	}

	n := copy(p, rr.buffer[rr.pos-rr.bufferStart:])
	rr.pos += int64(n)
	return n, nil
}

// fetchRange fetches the inclusive byte range [start, end] and returns the data with
// its file offset. A server that ignores the range sends the whole object, which is
// returned whole so later reads never go back to the network.
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := doRequest(rr.ctx, rr.client, req, resp); err != nil {
		return nil, 0, &StorageError{Kind: ErrNetwork, Key: rr.key, Err: err}
	}
	if err := statusError(rr.key, resp.StatusCode()); err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() == fasthttp.StatusOK {
		start = 0
	}

	// Copy body since response will be released
	body := resp.Body()
	result := make([]byte, len(body))
	copy(result, body)
	return result, start, nil
}

// Seek sets the offset for the next Read. The buffer is kept and reused when the
// new position falls inside it.
func (rr *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}

	rr.pos = newPos
	return rr.pos, nil
}

// ClearBuffer clears the read-ahead buffer to free memory
func (rr *HTTPRangeReader) ClearBuffer() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	rr.bufferStart = 0
}

// Size returns the object size in bytes
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}

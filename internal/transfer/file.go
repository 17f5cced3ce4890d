package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/syncerr"
)

// FileTransport implements Transport for file:// URLs, mostly for mirrors on mounted
// volumes and for tests.
type FileTransport struct{}

func NewFileTransport() *FileTransport {
	return &FileTransport{}
}

func (t *FileTransport) Head(_ context.Context, rawURL string) (int64, error) {
	path, err := filePath(rawURL)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fileErr(http.MethodHead, rawURL, err)
	}
	if info.IsDir() {
		return 0, &syncerr.TransferError{Method: http.MethodHead, URL: rawURL, Reason: "is a directory"}
	}
	return info.Size(), nil
}

func (t *FileTransport) Get(_ context.Context, rawURL string, offset, size int64) (*Response, error) {
	path, err := filePath(rawURL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fileErr(http.MethodGet, rawURL, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fileErr(http.MethodGet, rawURL, err)
	}

	outcome := RangeNotRequested
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fileErr(http.MethodGet, rawURL, err)
		}
		outcome = RangeHonored
	}

	length := info.Size() - offset
	var body io.ReadCloser = f
	if size >= 0 && size-offset < length {
		length = max(size-offset, 0)
		body = struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f, length), f}
	}

	return &Response{Body: body, Outcome: outcome, ContentLength: length}, nil
}

func filePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: rawURL, Err: err}
	}
	return filepath.FromSlash(u.Path), nil
}

func fileErr(method, rawURL string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &syncerr.TransferError{Method: method, URL: rawURL, StatusCode: http.StatusNotFound}
	}
	if errors.Is(err, os.ErrPermission) {
		return &syncerr.TransferError{Method: method, URL: rawURL, StatusCode: http.StatusForbidden}
	}
	return &syncerr.NetworkError{Op: method, URL: rawURL, Err: err}
}

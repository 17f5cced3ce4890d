// Package syncerr holds the error taxonomy shared by every stage of a mirror sync.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Kind is the machine classification carried by a failed sync.
type Kind string

const (
	KindParse      Kind = "parse"
	KindTransfer   Kind = "transfer"
	KindIntegrity  Kind = "integrity"
	KindFilesystem Kind = "filesystem"
	KindCancelled  Kind = "cancelled"
	KindNetwork    Kind = "network"
	KindUnknown    Kind = "unknown"
)

// ErrCancelled is returned when the caller requested cancellation.
var ErrCancelled = errors.New("sync cancelled")

// ParseErrorKind is the closed set of manifest validation failures.
type ParseErrorKind string

const (
	MissingAttribute  ParseErrorKind = "missing_attribute"
	MalformedSize     ParseErrorKind = "malformed_size"
	MalformedDocument ParseErrorKind = "malformed_document"
	InvalidChecksum   ParseErrorKind = "invalid_checksum"
	InvalidSource     ParseErrorKind = "invalid_source"
	UnsafePath        ParseErrorKind = "unsafe_path"
	VersionMismatch   ParseErrorKind = "version_mismatch"
)

// ParseError reports a manifest that cannot be used.
type ParseError struct {
	Kind      ParseErrorKind
	Element   string
	Attribute string
	Value     string
	Err       error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("manifest: ")
	b.WriteString(string(e.Kind))
	if e.Element != "" {
		fmt.Fprintf(&b, " <%s>", e.Element)
	}
	if e.Attribute != "" {
		fmt.Fprintf(&b, " @%s", e.Attribute)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " %q", e.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransferError reports an unexpected response status.
type TransferError struct {
	Method     string
	URL        string
	StatusCode int
	Expected   []int
	// Reason replaces the status based message when set.
	Reason string
}

func (e *TransferError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transfer: %s %s: %s", e.Method, e.URL, e.Reason)
	}
	if len(e.Expected) == 0 {
		return fmt.Sprintf("transfer: %s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transfer: %s %s: unexpected status %d, expected %v", e.Method, e.URL, e.StatusCode, e.Expected)
}

// Temporary reports whether the status is worth retrying (5xx or 429).
func (e *TransferError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NetworkError wraps a transient socket level failure.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IntegrityError reports bytes that failed checksum or length verification.
type IntegrityError struct {
	Path         string
	Source       string
	Expected     string
	Actual       string
	ExpectedSize int64
	ActualSize   int64
	// Files lists every failing destination when raised by a full verification pass.
	Files []string
}

func (e *IntegrityError) Error() string {
	switch {
	case len(e.Files) > 0:
		return fmt.Sprintf("integrity: checksum verification failed for %s", strings.Join(e.Files, " "))
	case e.Expected != "":
		return fmt.Sprintf("integrity: %s: md5 mismatch for %s, expected %s got %s", e.Path, e.Source, e.Expected, e.Actual)
	default:
		return fmt.Sprintf("integrity: %s: length mismatch for %s, expected %d got %d", e.Path, e.Source, e.ExpectedSize, e.ActualSize)
	}
}

// FilesystemError reports a local filesystem operation that failed.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// FS wraps err as a FilesystemError unless it is nil or already classified.
func FS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *FilesystemError
	if errors.As(err, &fsErr) {
		return err
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// Classify maps any error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		parseErr     *ParseError
		transferErr  *TransferError
		integrityErr *IntegrityError
		fsErr        *FilesystemError
		netErr       *NetworkError
	)

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &integrityErr):
		return KindIntegrity
	case errors.As(err, &transferErr):
		return KindTransfer
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &fsErr):
		return KindFilesystem
	case IsNetworkFault(err):
		return KindNetwork
	}
	return KindUnknown
}

// IsTransient reports whether a failed attempt may be retried.
// Server-side statuses only count when retryStatus is set.
func IsTransient(err error, retryStatus bool) bool {
	if err == nil || Classify(err) == KindCancelled {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var transferErr *TransferError
	if retryStatus && errors.As(err, &transferErr) {
		return transferErr.Temporary()
	}

	return false
}

// IsNetworkFault reports socket errors, timeouts and truncated streams.
func IsNetworkFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

package fetcher

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies a fetch failure.
type Kind int

// Kind values.
const (
	KindDownload Kind = iota + 1
	KindPermission
	KindIntegrity
	KindUnsupported
)

// String satisfies fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindPermission:
		return "filesystem"
	case KindIntegrity:
		return "integrity"
	case KindUnsupported:
		return "unsupported platform"
	}
	return "unknown"
}

// Sentinel errors, matched by an *Error of the corresponding Kind.
var (
	ErrDownload            = errors.New("browser download failed")
	ErrPermission          = errors.New("browser cache not writable")
	ErrIntegrity           = errors.New("browser archive or cache entry is corrupt")
	ErrUnsupportedPlatform = errors.New("no browser build for this platform")
)

// Error is a fetch failure.
type Error struct {
	Kind Kind

	// Path is the file or URL involved.
	Path string

	Err error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	msg := "fetcher: " + e.Kind.String()
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDownload:
		return e.Kind == KindDownload
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrIntegrity:
		return e.Kind == KindIntegrity
	case ErrUnsupportedPlatform:
		return e.Kind == KindUnsupported
	}
	return false
}

// fsError wraps a filesystem failure at path.
func fsError(path string, err error) *Error {
	return &Error{Kind: KindPermission, Path: path, Err: err}
}

func integrityError(path string, format string, v ...interface{}) *Error {
	return &Error{Kind: KindIntegrity, Path: path, Err: fmt.Errorf(format, v...)}
}

// downloadError maps a launcher download failure to a Kind: filesystem
// failures are KindPermission, a malformed archive is KindIntegrity, and
// everything else, cancellation included, is KindDownload.
func downloadError(ctx context.Context, url string, err error) *Error {
	var pe *fs.PathError
	switch {
	case ctx.Err() != nil:
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return &Error{Kind: KindDownload, Path: url, Err: err}
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrChecksum), errors.Is(err, zip.ErrAlgorithm):
		return &Error{Kind: KindIntegrity, Path: url, Err: err}
	case errors.As(err, &pe):
		return fsError(pe.Path, err)
	}
	return &Error{Kind: KindDownload, Path: url, Err: err}
}

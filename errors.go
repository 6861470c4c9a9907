package webdriver

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure.
type Kind int

// Kind values.
const (
	KindOther Kind = iota
	KindConnectionFailed
	KindLaunchFailed
	KindNavigationFailed
	KindElementNotFound
	KindNoPage
	KindCdpError
)

// String satisfies fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection failed"
	case KindLaunchFailed:
		return "launch failed"
	case KindNavigationFailed:
		return "navigation failed"
	case KindElementNotFound:
		return "element not found"
	case KindNoPage:
		return "no page"
	case KindCdpError:
		return "cdp error"
	}
	return "other"
}

// Sentinel errors, one per Kind. An *Error matches the sentinel of its Kind
// with errors.Is.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrLaunchFailed     = errors.New("launch failed")
	ErrNavigationFailed = errors.New("navigation failed")
	ErrElementNotFound  = errors.New("element not found")
	ErrNoPage           = errors.New("no page available")
	ErrCdpError         = errors.New("cdp error")
	ErrOther            = errors.New("webdriver error")
)

// Causes carried inside an *Error.
var (
	// ErrChannelClosed is returned when the browser connection was torn down
	// while a command was still waiting for its response.
	ErrChannelClosed = errors.New("channel closed")

	// ErrTargetLost is returned when the page target was destroyed, crashed,
	// or detached from the session.
	ErrTargetLost = errors.New("target lost")

	// ErrEmptyURL is returned when navigating to an empty URL.
	ErrEmptyURL = errors.New("empty url")

	// ErrInvalidMode is returned when Launch receives an unknown connection
	// mode.
	ErrInvalidMode = errors.New("invalid connection mode")

	// ErrNoExecutable is returned when no browser executable could be
	// resolved.
	ErrNoExecutable = errors.New("no browser executable found")
)

// Error is the error type returned by Session operations.
type Error struct {
	Kind Kind

	// Op is the operation that failed, e.g. "navigate".
	Op string

	// URL is the navigation or endpoint URL involved, if any.
	URL string

	// Selector is the CSS selector involved, if any.
	Selector string

	Err error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg += ": " + e.Kind.String()
	}
	switch {
	case e.Kind == KindElementNotFound:
		msg += fmt.Sprintf(" %q", e.Selector)
	case e.URL != "":
		msg += " " + e.URL
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
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindLaunchFailed:
		return ErrLaunchFailed
	case KindNavigationFailed:
		return ErrNavigationFailed
	case KindElementNotFound:
		return ErrElementNotFound
	case KindNoPage:
		return ErrNoPage
	case KindCdpError:
		return ErrCdpError
	}
	return ErrOther
}

// KindOf returns the Kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

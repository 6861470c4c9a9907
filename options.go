package webdriver

import (
	"context"
	"time"

	"github.com/robert-app/webdriver/runner"
)

// Default timeouts.
const (
	DefaultLaunchTimeout   = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultNavigateTimeout = 30 * time.Second
	DefaultCommandTimeout  = 10 * time.Second
	DefaultCloseTimeout    = 5 * time.Second
)

// Resolver provides the path of a browser executable. *fetcher.Fetcher
// satisfies it.
type Resolver interface {
	Resolve(context.Context) (string, error)
}

// SessionOption is a session option.
type SessionOption func(*Session)

// WithLogf is a session option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.logf = f
	}
}

// WithErrorf is a session option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.errf = f
	}
}

// WithDebugf is a session option to specify a func to receive debug logging,
// including every protocol message sent and received.
func WithDebugf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.dbgf = f
	}
}

// WithLaunchTimeout bounds the wait for a launched browser to report its
// DevTools endpoint.
func WithLaunchTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.launchTimeout = d
	}
}

// WithConnectTimeout bounds endpoint discovery, the websocket dial, and page
// acquisition.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.connectTimeout = d
	}
}

// WithNavigateTimeout bounds a navigation, including the wait for the page
// load event.
func WithNavigateTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.navigateTimeout = d
	}
}

// WithCommandTimeout bounds each protocol round-trip of the extraction
// operations.
func WithCommandTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.commandTimeout = d
	}
}

// WithCloseTimeout bounds how long Close waits for a launched browser to exit
// before killing it.
func WithCloseTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.closeTimeout = d
	}
}

// WithResolver sets the executable resolver used when a Sandboxed mode has no
// ChromePath.
func WithResolver(r Resolver) SessionOption {
	return func(s *Session) {
		s.resolver = r
	}
}

// WithSystemFallback controls whether a browser installed on the system is
// used when the resolver fails. Enabled by default.
func WithSystemFallback(enabled bool) SessionOption {
	return func(s *Session) {
		s.systemFallback = enabled
	}
}

// WithProfile overrides the environment-detected Profile.
func WithProfile(p Profile) SessionOption {
	return func(s *Session) {
		s.profile = &p
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithFlag passes an additional command line flag to a launched browser.
func WithFlag(name string, value interface{}) SessionOption {
	return func(s *Session) {
		s.flags = append(s.flags, runner.Flag(name, value))
	}
}

// WithUserDataDir launches the browser with dir as its profile directory. The
// directory is left in place on Close.
func WithUserDataDir(dir string) SessionOption {
	return func(s *Session) {
		s.flags = append(s.flags, runner.UserDataDir(dir))
	}
}

// BrowserOption is a browser option.
type BrowserOption func(*Browser)

// WithBrowserLogf is a browser option to specify a func to receive general
// logging.
func WithBrowserLogf(f func(string, ...interface{})) BrowserOption {
	return func(b *Browser) {
		b.logf = f
	}
}

// WithBrowserErrorf is a browser option to specify a func to receive error
// logging.
func WithBrowserErrorf(f func(string, ...interface{})) BrowserOption {
	return func(b *Browser) {
		b.errf = f
	}
}

// WithBrowserDebugf is a browser option to specify a func to log actual
// websocket messages.
func WithBrowserDebugf(f func(string, ...interface{})) BrowserOption {
	return func(b *Browser) {
		b.dbgf = f
	}
}

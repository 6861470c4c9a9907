package webdriver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robert-app/webdriver/client"
	"github.com/robert-app/webdriver/fetcher"
	"github.com/robert-app/webdriver/runner"
)

// State is the lifecycle state of a Session.
type State int32

// State values.
const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// owner records what a session has to release on Close.
type owner int

const (
	// ownsProcess sessions launched the browser and must stop it.
	ownsProcess owner = iota
	// ownsConnection sessions attached to someone else's browser and only
	// release the transport.
	ownsConnection
)

// Session drives one browser page. It either launched the browser itself or
// attached to one listening on a debug port.
//
// Operations are not serialized: concurrent calls are delegated to the
// browser as is.
type Session struct {
	id    string
	mode  ConnectionMode
	owner owner
	state atomic.Int32

	proc    *runner.Runner
	browser *Browser
	target  *Target

	launchTimeout   time.Duration
	connectTimeout  time.Duration
	navigateTimeout time.Duration
	commandTimeout  time.Duration
	closeTimeout    time.Duration

	resolver       Resolver
	systemFallback bool
	profile        *Profile
	flags          []runner.CommandLineOption
	metrics        *Metrics

	// logging funcs
	logf, errf, dbgf func(string, ...interface{})
}

func newSession(mode ConnectionMode, opts ...SessionOption) *Session {
	s := &Session{
		id:              uuid.NewString(),
		mode:            mode,
		launchTimeout:   DefaultLaunchTimeout,
		connectTimeout:  DefaultConnectTimeout,
		navigateTimeout: DefaultNavigateTimeout,
		commandTimeout:  DefaultCommandTimeout,
		closeTimeout:    DefaultCloseTimeout,
		systemFallback:  true,
		logf:            log.Printf,
	}
	for _, o := range opts {
		o(s)
	}
	// ensure errf is set
	if s.errf == nil {
		s.errf = func(f string, v ...interface{}) { s.logf("ERROR: "+f, v...) }
	}
	if s.resolver == nil {
		s.resolver = fetcher.New(fetcher.Logf(s.logf))
	}
	if _, ok := mode.(DebugPort); ok {
		s.owner = ownsConnection
	}
	return s
}

// Launch starts a session in the given mode. Any resource created before a
// failure is released before Launch returns.
func Launch(ctx context.Context, mode ConnectionMode, opts ...SessionOption) (_ *Session, err error) {
	if mode == nil {
		return nil, newError(KindOther, "launch", ErrInvalidMode)
	}
	s := newSession(mode, opts...)

	ctx, span := startSpan(ctx, "webdriver.Launch",
		attribute.String("webdriver.session", s.id),
		attribute.String("webdriver.mode", mode.String()),
	)
	defer func() { endSpan(span, err) }()

	s.setState(StateConnecting)
	switch m := mode.(type) {
	case Sandboxed:
		err = s.launch(ctx, m)
	case DebugPort:
		err = s.connect(ctx, m)
	default:
		err = newError(KindOther, "launch", fmt.Errorf("%w: %T", ErrInvalidMode, mode))
	}
	if err != nil {
		s.setState(StateFailed)
		if terr := s.teardown(); terr != nil {
			s.errf("could not release session %s after failed launch: %v", s.id, terr)
		}
		s.metrics.failure("launch", err)
		return nil, err
	}

	s.setState(StateReady)
	s.metrics.sessionStarted(mode)
	go s.watch()
	s.logf("session %s ready (%s)", s.id, mode)
	return s, nil
}

// Connect attaches a session to a browser listening on localhost:port.
func Connect(ctx context.Context, port uint16, opts ...SessionOption) (*Session, error) {
	return Launch(ctx, DebugPort(port), opts...)
}

// launch resolves an executable, starts it, and attaches to it.
func (s *Session) launch(ctx context.Context, m Sandboxed) error {
	path := m.ChromePath
	if path == "" {
		var err error
		if path, err = s.resolveExec(ctx); err != nil {
			return newError(KindOther, "resolve", err)
		}
	}

	profile := EnvProfile()
	if s.profile != nil {
		profile = *s.profile
	}
	headless, noSandbox := profile.Apply(m)

	lctx, cancel := context.WithTimeout(ctx, s.launchTimeout)
	defer cancel()

	opts := []runner.CommandLineOption{
		runner.NoFirstRun,
		runner.NoDefaultBrowserCheck,
		runner.RemoteDebuggingPort(0),
	}
	if headless {
		opts = append(opts, runner.HeadlessFor(lctx, path))
	}
	if noSandbox {
		opts = append(opts, runner.NoSandbox)
	}
	if s.dbgf != nil {
		opts = append(opts, runner.Logf(s.dbgf))
	}
	opts = append(opts, s.flags...)

	r, err := runner.New(path, opts...)
	if err != nil {
		return &Error{Kind: KindLaunchFailed, Op: "launch", URL: path, Err: err}
	}
	wsURL, err := r.Start(lctx)
	if err != nil {
		return &Error{Kind: KindLaunchFailed, Op: "launch", URL: path, Err: err}
	}
	s.proc = r
	s.logf("launched %s (pid %d, headless=%t, no-sandbox=%t)", path, r.Pid(), headless, noSandbox)

	return s.attach(ctx, wsURL)
}

// resolveExec asks the resolver for an executable, falling back to a
// system-installed browser when allowed.
func (s *Session) resolveExec(ctx context.Context) (string, error) {
	path, err := s.resolver.Resolve(ctx)
	if err == nil {
		return path, nil
	}
	if !s.systemFallback {
		return "", err
	}
	if sys := runner.FindExecPath(); sys != "" {
		s.errf("could not fetch a browser, using %s: %v", sys, err)
		return sys, nil
	}
	return "", fmt.Errorf("%w: %v", ErrNoExecutable, err)
}

// connect discovers the browser websocket behind a debug port and attaches
// to it.
func (s *Session) connect(ctx context.Context, port DebugPort) error {
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	cl := client.New(client.Port(uint16(port)))
	wsURL, err := cl.BrowserWebsocketURL(cctx)
	if err != nil {
		return &Error{
			Kind: KindConnectionFailed,
			Op:   "connect",
			URL:  fmt.Sprintf("http://localhost:%d", port),
			Err:  fmt.Errorf("is a browser running with --remote-debugging-port=%d? %w", port, err),
		}
	}
	return s.attach(ctx, wsURL)
}

// attach dials the browser websocket and acquires the page.
func (s *Session) attach(ctx context.Context, wsURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	opts := []BrowserOption{WithBrowserLogf(s.logf), WithBrowserErrorf(s.errf)}
	if s.dbgf != nil {
		opts = append(opts, WithBrowserDebugf(s.dbgf))
	}
	b, err := NewBrowser(ctx, wsURL, opts...)
	if err != nil {
		return &Error{Kind: KindConnectionFailed, Op: "connect", URL: wsURL, Err: err}
	}
	s.browser = b

	t, err := acquirePage(ctx, b)
	if err != nil {
		return &Error{Kind: KindCdpError, Op: "attach", URL: wsURL, Err: err}
	}
	s.target = t
	return nil
}

// acquirePage attaches to the first page target that is not a browser
// internal page, else to the last page target, else to a new blank page.
func acquirePage(ctx context.Context, b *Browser) (*Target, error) {
	ctx = cdp.WithExecutor(ctx, b)
	if err := discoverTargets.Do(ctx); err != nil {
		return nil, err
	}
	infos, err := target.GetTargets().Do(ctx)
	if err != nil {
		return nil, err
	}
	id := pickPage(infos)
	if id == "" {
		if id, err = target.CreateTarget("about:blank").Do(ctx); err != nil {
			return nil, err
		}
	}
	return b.AttachTarget(ctx, id)
}

func pickPage(infos []*target.Info) target.ID {
	var last target.ID
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if !strings.HasPrefix(info.URL, "chrome://") && !strings.HasPrefix(info.URL, "devtools://") {
			return info.TargetID
		}
		last = info.TargetID
	}
	return last
}

// watch marks the session Failed when the transport goes away while it is
// Ready.
func (s *Session) watch() {
	<-s.browser.Done()
	if s.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		s.errf("session %s lost its browser connection: %v", s.id, s.browser.Err())
		s.metrics.failure("transport", newError(KindConnectionFailed, "transport", s.browser.Err()))
	}
}

// Close releases everything the session holds. A launched browser is asked
// to exit, then killed if it does not within the close timeout, and its
// temporary profile is removed; an attached browser is left running. The
// first failure is returned after every release step ran. Close is
// idempotent.
func (s *Session) Close() error {
	for {
		st := s.State()
		if st == StateClosed {
			return nil
		}
		if s.state.CompareAndSwap(int32(st), int32(StateClosed)) {
			break
		}
	}
	err := s.teardown()
	s.metrics.sessionClosed()
	if err != nil {
		s.metrics.failure("close", err)
		return newError(KindOther, "close", err)
	}
	s.logf("session %s closed", s.id)
	return nil
}

// teardown releases the resources created so far.
func (s *Session) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	var errs []error
	switch s.owner {
	case ownsProcess:
		if s.browser != nil {
			if err := browser.Close().Do(cdp.WithExecutor(ctx, s.browser)); err != nil && !errors.Is(err, ErrChannelClosed) {
				s.debugf("Browser.close: %v", err)
			}
			errs = append(errs, s.browser.Shutdown())
		}
		if s.proc != nil {
			// Without a connection nothing asks the browser to exit.
			if s.browser == nil {
				if err := s.proc.Kill(); err != nil {
					s.debugf("kill: %v", err)
				}
			}
			errs = append(errs, s.proc.Stop(ctx))
		}
	case ownsConnection:
		if s.browser != nil {
			errs = append(errs, s.browser.Shutdown())
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) debugf(f string, v ...interface{}) {
	if s.dbgf != nil {
		s.dbgf(f, v...)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Mode returns the mode the session was started with.
func (s *Session) Mode() ConnectionMode {
	return s.mode
}

// Pid returns the pid of the launched browser, or 0 for attached sessions.
func (s *Session) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Page returns the session's page handle.
func (s *Session) Page() (*Target, error) {
	return s.page("page")
}

// page returns the page handle if the session is Ready.
func (s *Session) page(op string) (*Target, error) {
	switch st := s.State(); st {
	case StateReady:
	case StateFailed:
		return nil, newError(KindConnectionFailed, op, s.browser.closedErr())
	default:
		return nil, newError(KindNoPage, op, fmt.Errorf("session is %s", st))
	}
	if s.target == nil {
		return nil, newError(KindNoPage, op, nil)
	}
	return s.target, nil
}

// IsAlive reports whether the session is Ready and its browser answers a
// version request within the command timeout.
func (s *Session) IsAlive(ctx context.Context) bool {
	if s.State() != StateReady {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	_, _, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, s.browser))
	return err == nil
}

// commandContext bounds one protocol round-trip.
func (s *Session) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.commandTimeout)
}

// cdpError wraps a failed protocol round-trip, noticing a lost transport on
// the way.
func (s *Session) cdpError(op string, err error) error {
	s.noticeLost()
	s.metrics.failure(op, err)
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindCdpError, op, err)
}

// noticeLost moves a Ready session to Failed if its transport is gone,
// without waiting for the watcher goroutine.
func (s *Session) noticeLost() {
	select {
	case <-s.browser.Done():
		s.state.CompareAndSwap(int32(StateReady), int32(StateFailed))
	default:
	}
}

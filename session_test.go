package webdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/robert-app/webdriver/cdpscript"
	"github.com/robert-app/webdriver/runner"
)

const exampleHTML = `<html>
<head>
	<title>Example Domain</title>
	<style>body { color: red; }</style>
</head>
<body>
	<h1>Example Domain</h1>
	<p class="intro">This domain is for use in examples.</p>
	<div id="empty"></div>
	<script>var secret = "hidden";</script>
</body>
</html>`

var testSite = map[string]string{
	"https://example.com/":          exampleHTML,
	"https://example.com/hang":      `<html><head><title>Hang</title></head><body>loading</body></html>`,
	"http://localhost:8080/":        `<html><head><title>Local</title></head><body>local</body></html>`,
	"https://example.test/articles": `<html><head><title>Articles</title></head><body><h2>Articles</h2></body></html>`,
}

func connect(t *testing.T, fb *fakeBrowser, opts ...SessionOption) *Session {
	t.Helper()
	s, err := Connect(context.Background(), fb.port(), testOpts(t, opts...)...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectAndExtract(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	if st := s.State(); st != StateReady {
		t.Fatalf("expected ready, got %s", st)
	}
	if s.Pid() != 0 {
		t.Errorf("attached session reports pid %d", s.Pid())
	}
	if !s.IsAlive(ctx) {
		t.Fatal("expected session to be alive")
	}

	if err := s.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	urlstr, err := s.CurrentURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if urlstr != "https://example.com/" {
		t.Errorf("got url %q", urlstr)
	}
	title, err := s.Title(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if title != "Example Domain" {
		t.Errorf("got title %q", title)
	}

	src, err := s.PageSource(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "<h1>Example Domain</h1>") {
		t.Errorf("page source is missing the heading:\n%s", src)
	}

	text, err := s.PageText(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "This domain is for use in examples.") {
		t.Errorf("page text is missing the paragraph: %q", text)
	}
	if strings.Contains(text, "hidden") || strings.Contains(text, "color: red") {
		t.Errorf("page text includes script or style contents: %q", text)
	}

	tests := []struct {
		sel, exp string
	}{
		{"h1", "Example Domain"},
		{"p.intro", "This domain is for use in examples."},
		{"#empty", ""},
	}
	for i, test := range tests {
		got, err := s.ElementText(ctx, test.sel)
		if err != nil {
			t.Errorf("test %d %q: %v", i, test.sel, err)
			continue
		}
		if got != test.exp {
			t.Errorf("test %d %q: expected %q, got %q", i, test.sel, test.exp, got)
		}
	}

	_, err = s.ElementText(ctx, ".missing")
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("expected element not found, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Selector != ".missing" {
		t.Errorf("expected the selector in the error, got %#v", err)
	}
}

func TestNavigateNormalizesURL(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	for _, test := range []struct {
		in, exp string
	}{
		{"example.test/articles", "https://example.test/articles"},
		{"http://localhost:8080/", "http://localhost:8080/"},
		{"about:blank", "about:blank"},
	} {
		if err := s.Navigate(ctx, test.in); err != nil {
			t.Fatalf("%q: %v", test.in, err)
		}
		got, err := s.CurrentURL(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != test.exp {
			t.Errorf("%q: expected %q, got %q", test.in, test.exp, got)
		}
	}
}

func TestNavigateErrors(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb, WithNavigateTimeout(200*time.Millisecond))
	ctx := context.Background()

	tests := []struct {
		name  string
		url   string
		cause error
	}{
		{"empty", "  ", ErrEmptyURL},
		{"unresolvable", "https://unresolvable.invalid/", nil},
		{"never loads", "https://example.com/hang", context.DeadlineExceeded},
	}
	for _, test := range tests {
		err := s.Navigate(ctx, test.url)
		if !errors.Is(err, ErrNavigationFailed) {
			t.Errorf("%s: expected navigation failed, got %v", test.name, err)
			continue
		}
		if test.cause != nil && !errors.Is(err, test.cause) {
			t.Errorf("%s: expected %v in %v", test.name, test.cause, err)
		}
		if test.url != "  " && !strings.Contains(err.Error(), test.url) {
			t.Errorf("%s: expected the url in %q", test.name, err)
		}
	}

	// A failed navigation leaves the session usable.
	if st := s.State(); st != StateReady {
		t.Fatalf("expected ready, got %s", st)
	}
	if err := s.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
}

func TestNavigateSameDocument(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	if err := s.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	if err := s.Navigate(ctx, "https://example.com/#more"); err != nil {
		t.Fatal(err)
	}
	got, err := s.CurrentURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://example.com/#more" {
		t.Errorf("got %q", got)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("expected closed, got %s", st)
	}
	if s.IsAlive(ctx) {
		t.Error("closed session reports alive")
	}

	ops := map[string]func() error{
		"navigate": func() error { return s.Navigate(ctx, "https://example.com/") },
		"current url": func() error {
			_, err := s.CurrentURL(ctx)
			return err
		},
		"title": func() error {
			_, err := s.Title(ctx)
			return err
		},
		"page source": func() error {
			_, err := s.PageSource(ctx)
			return err
		},
		"page text": func() error {
			_, err := s.PageText(ctx)
			return err
		},
		"element text": func() error {
			_, err := s.ElementText(ctx, "h1")
			return err
		},
		"page": func() error {
			_, err := s.Page()
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNoPage) {
			t.Errorf("%s: expected no page, got %v", name, err)
		}
	}
}

func TestCloseLeavesAttachedBrowserRunning(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if fb.called("Browser.close") {
		t.Fatal("attached session asked the browser to exit")
	}

	// The browser keeps serving new sessions.
	s2 := connect(t, fb)
	if err := s2.Navigate(context.Background(), "https://example.com/"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*Session, 4)
	errs := make([]error, len(sessions))
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = Connect(ctx, fb.port(), testOpts(t)...)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
		defer sessions[i].Close()
	}

	ids := make(map[string]bool)
	for _, s := range sessions {
		if ids[s.ID()] {
			t.Fatalf("duplicate session id %s", s.ID())
		}
		ids[s.ID()] = true
	}

	if err := sessions[0].Close(); err != nil {
		t.Fatal(err)
	}
	for _, s := range sessions[1:] {
		if err := s.Navigate(ctx, "https://example.com/"); err != nil {
			t.Fatalf("session %s: %v", s.ID(), err)
		}
	}
}

func TestBrowserCrashFailsSession(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	fb.crash()
	eventually(t, "failed state", func() bool { return s.State() == StateFailed })

	if s.IsAlive(ctx) {
		t.Error("crashed session reports alive")
	}
	if err := s.Navigate(ctx, "https://example.com/"); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected connection failed, got %v", err)
	}
	if _, err := s.Title(ctx); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected connection failed, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close after crash: %v", err)
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("expected closed, got %s", st)
	}
}

func TestPageDestroyed(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()

	page, err := s.Page()
	if err != nil {
		t.Fatal(err)
	}
	fb.destroy(string(page.TargetID))
	select {
	case <-page.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("page was not marked lost")
	}

	_, err = s.Title(ctx)
	if !errors.Is(err, ErrCdpError) || !errors.Is(err, ErrTargetLost) {
		t.Errorf("expected a lost target error, got %v", err)
	}
}

func TestConnectNoBrowser(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()

	_, err = Connect(context.Background(), port, testOpts(t, WithConnectTimeout(time.Second))...)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected connection failed, got %v", err)
	}
}

func TestLaunchInvalidMode(t *testing.T) {
	t.Parallel()

	if _, err := Launch(context.Background(), nil, testOpts(t)...); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
}

func TestPickPage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		infos []*target.Info
		exp   target.ID
	}{
		{"none", nil, ""},
		{"only workers", []*target.Info{{TargetID: "W", Type: "service_worker", URL: "https://a/"}}, ""},
		{"first regular page", []*target.Info{
			{TargetID: "A", Type: "page", URL: "chrome://newtab/"},
			{TargetID: "B", Type: "page", URL: "https://example.com/"},
			{TargetID: "C", Type: "page", URL: "about:blank"},
		}, "B"},
		{"internal pages only", []*target.Info{
			{TargetID: "A", Type: "page", URL: "chrome://newtab/"},
			{TargetID: "B", Type: "page", URL: "devtools://devtools/inspector.html"},
		}, "B"},
	}
	for _, test := range tests {
		if got := pickPage(test.infos); got != test.exp {
			t.Errorf("%s: expected %q, got %q", test.name, test.exp, got)
		}
	}
}

func TestConnectCreatesPage(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	fb.mu.Lock()
	fb.pages = nil
	fb.mu.Unlock()

	s := connect(t, fb)
	if !fb.called("Target.createTarget") {
		t.Fatal("expected a page to be created")
	}
	if err := s.Navigate(context.Background(), "https://example.com/"); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()
	if err := s.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	page, err := s.Page()
	if err != nil {
		t.Fatal(err)
	}

	var title string
	if err := page.Evaluate(ctx, "document.title", &title); err != nil {
		t.Fatal(err)
	}
	if title != "Example Domain" {
		t.Errorf("got title %q", title)
	}

	var n int
	if err := page.Evaluate(ctx, "1+2", &n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}

	var raw []byte
	if err := page.Evaluate(ctx, "1+2", &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != "3" {
		t.Errorf("expected raw 3, got %s", raw)
	}

	var v interface{}
	if err := page.Evaluate(ctx, "undefined", &v); !errors.Is(err, ErrUndefined) {
		t.Errorf("expected undefined, got %v", err)
	}
	if err := page.Evaluate(ctx, "undefined", nil); err != nil {
		t.Errorf("nil result: %v", err)
	}
	if err := page.Evaluate(ctx, "throw", &v); err == nil {
		t.Error("expected the exception to be returned")
	}
}

func TestRunScript(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	s := connect(t, fb)
	ctx := context.Background()
	page, err := s.Page()
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "sum.json")
	script, err := cdpscript.Parse([]byte(fmt.Sprintf(`
name: example
cdp_commands:
  - method: Page.navigate
    params:
      url: https://example.com/
  - method: Runtime.evaluate
    params:
      expression: 1+2
      returnByValue: true
    save_as: %s
  - method: Page.reload
  - method: Runtime.evaluate
    params:
      expression: document.title
`, out)), cdpscript.YAML)
	if err != nil {
		t.Fatal(err)
	}

	report, err := cdpscript.Run(ctx, page, script)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected the run to stop at the third step, got %d steps", len(report.Results))
	}
	if report.Success() || report.Successful != 2 || report.Failed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Results[2].Status != cdpscript.Failed || report.Results[2].Error == "" {
		t.Errorf("expected the unhandled method to fail, got %+v", report.Results[2])
	}
	buf, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), `"value":3`) {
		t.Errorf("unexpected saved response %s", buf)
	}
}

// Launch tests below start a fake browser executable.

func TestLaunchLifecycle(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	path, dir := fakeChrome(t, fb.wsURL())
	ctx := context.Background()

	const cycles = 5
	var pids []int
	for i := 0; i < cycles; i++ {
		s, err := Launch(ctx, LaunchWithPath(path, true, true), testOpts(t)...)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}

		pid := s.Pid()
		if pid == 0 || pid != readPid(t, dir) {
			s.Close()
			t.Fatalf("cycle %d: expected pid %d, got %d", i, readPid(t, dir), pid)
		}
		pids = append(pids, pid)
		args := readArgs(t, dir)
		for _, name := range []string{"headless", "no-sandbox", "no-first-run", "no-default-browser-check"} {
			if _, ok := args[name]; !ok {
				t.Errorf("cycle %d: missing --%s in %v", i, name, args)
			}
		}
		if args["remote-debugging-port"] != "0" {
			t.Errorf("cycle %d: expected an ephemeral debugging port, got %q", i, args["remote-debugging-port"])
		}
		profileDir := args["user-data-dir"]
		if _, err := os.Stat(profileDir); err != nil {
			s.Close()
			t.Fatalf("cycle %d: expected the profile dir to exist: %v", i, err)
		}

		if err := s.Navigate(ctx, "https://example.com/"); err != nil {
			s.Close()
			t.Fatalf("cycle %d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if runner.Alive(pid) {
			t.Errorf("cycle %d: browser process %d still alive after close", i, pid)
		}
		if _, err := os.Stat(profileDir); !os.IsNotExist(err) {
			t.Errorf("cycle %d: expected the profile dir to be removed, got %v", i, err)
		}
	}

	if !fb.called("Browser.close") {
		t.Error("expected the browser to be asked to exit")
	}
	if len(pids) != cycles {
		t.Fatalf("expected %d launches, got %d", cycles, len(pids))
	}
	for _, pid := range pids {
		if runner.Alive(pid) {
			t.Errorf("orphaned browser process %d", pid)
		}
	}
}

func TestLaunchUserDataDirKept(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	path, dir := fakeChrome(t, fb.wsURL())
	profileDir := t.TempDir()

	s, err := Launch(context.Background(), LaunchWithPath(path, true, true), testOpts(t, WithUserDataDir(profileDir))...)
	if err != nil {
		t.Fatal(err)
	}
	if got := readArgs(t, dir)["user-data-dir"]; got != profileDir {
		t.Errorf("expected user data dir %q, got %q", profileDir, got)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(profileDir); err != nil {
		t.Errorf("user supplied dir was removed: %v", err)
	}
}

type resolverFunc func(context.Context) (string, error)

func (f resolverFunc) Resolve(ctx context.Context) (string, error) {
	return f(ctx)
}

func TestLaunchFlags(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	ci := Profile{Headless: true, NoSandbox: true}

	tests := []struct {
		name      string
		mode      func(path string) ConnectionMode
		profile   Profile
		headless  bool
		noSandbox bool
	}{
		{"auto on ci", func(string) ConnectionMode { return LaunchAuto() }, ci, true, true},
		{"auto on desktop", func(string) ConnectionMode { return LaunchAuto() }, Profile{}, false, false},
		{"visible on ci", func(string) ConnectionMode { return LaunchVisible() }, ci, false, false},
		{"no sandbox", func(string) ConnectionMode { return LaunchNoSandbox() }, Profile{}, false, true},
		{"headless", func(string) ConnectionMode { return LaunchHeadless() }, Profile{}, true, true},
		{"headless flag only", func(path string) ConnectionMode {
			return Sandboxed{ChromePath: path, Headless: boolPtr(true)}
		}, Profile{}, true, false},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			path, dir := fakeChrome(t, fb.wsURL())
			resolver := resolverFunc(func(context.Context) (string, error) { return path, nil })

			s, err := Launch(context.Background(), test.mode(path), testOpts(t, WithResolver(resolver), WithProfile(test.profile))...)
			if err != nil {
				t.Fatal(err)
			}
			args := readArgs(t, dir)
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}
			if _, ok := args["headless"]; ok != test.headless {
				t.Errorf("expected headless=%t, got args %v", test.headless, args)
			}
			if _, ok := args["no-sandbox"]; ok != test.noSandbox {
				t.Errorf("expected no-sandbox=%t, got args %v", test.noSandbox, args)
			}
		})
	}
}

func TestLaunchExplicitPathSkipsResolver(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, testSite)
	path, _ := fakeChrome(t, fb.wsURL())
	resolver := resolverFunc(func(context.Context) (string, error) {
		t.Error("resolver called for an explicit path")
		return "", errors.New("unexpected")
	})

	s, err := Launch(context.Background(), LaunchWithPath(path, true, true), testOpts(t, WithResolver(resolver))...)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLaunchFailures(t *testing.T) {
	t.Parallel()

	// A port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadURL := "ws://" + l.Addr().String() + "/devtools/browser/dead"
	l.Close()

	t.Run("exits early", func(t *testing.T) {
		t.Parallel()
		skipNoShell(t)
		path := writeScript(t, t.TempDir(), `case "$1" in --version) exit 0;; esac
echo "cannot open display" >&2
exit 1
`)
		_, err := Launch(context.Background(), LaunchWithPath(path, false, false), testOpts(t)...)
		if !errors.Is(err, ErrLaunchFailed) || !errors.Is(err, runner.ErrExitedEarly) {
			t.Fatalf("expected an early exit, got %v", err)
		}
		if !strings.Contains(err.Error(), "cannot open display") {
			t.Errorf("expected the browser output in %q", err)
		}
	})

	t.Run("no banner", func(t *testing.T) {
		t.Parallel()
		path, dir := fakeChrome(t, "")
		_, err := Launch(context.Background(), LaunchWithPath(path, true, true),
			testOpts(t, WithLaunchTimeout(300*time.Millisecond))...)
		if !errors.Is(err, ErrLaunchFailed) {
			t.Fatalf("expected launch failed, got %v", err)
		}
		checkReleased(t, dir)
	})

	t.Run("dead endpoint", func(t *testing.T) {
		t.Parallel()
		path, dir := fakeChrome(t, deadURL)
		start := time.Now()
		// A browser that was never attached is killed right away instead
		// of being given the close timeout to exit.
		_, err := Launch(context.Background(), LaunchWithPath(path, true, true),
			testOpts(t, WithConnectTimeout(time.Second), WithCloseTimeout(30*time.Second))...)
		if !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("expected connection failed, got %v", err)
		}
		if d := time.Since(start); d > 10*time.Second {
			t.Errorf("failed launch took %v to clean up", d)
		}
		checkReleased(t, dir)
	})

	t.Run("missing executable", func(t *testing.T) {
		t.Parallel()
		_, err := Launch(context.Background(), LaunchWithPath("/nonexistent/chrome", true, true), testOpts(t)...)
		if !errors.Is(err, ErrLaunchFailed) {
			t.Fatalf("expected launch failed, got %v", err)
		}
	})

	t.Run("resolver fails", func(t *testing.T) {
		t.Parallel()
		fail := errors.New("download refused")
		resolver := resolverFunc(func(context.Context) (string, error) { return "", fail })
		_, err := Launch(context.Background(), LaunchAuto(), testOpts(t, WithResolver(resolver))...)
		if !errors.Is(err, fail) || KindOf(err) != KindOther {
			t.Fatalf("expected the resolver error, got %v", err)
		}
	})
}

// checkReleased verifies the fake browser started from dir is gone along
// with its temporary profile.
func checkReleased(t *testing.T, dir string) {
	t.Helper()
	pid := readPid(t, dir)
	eventually(t, "process exit", func() bool { return !runner.Alive(pid) })
	profileDir := readArgs(t, dir)["user-data-dir"]
	if _, err := os.Stat(profileDir); !os.IsNotExist(err) {
		t.Errorf("expected %q to be removed, got %v", profileDir, err)
	}
}

// Package runner starts a browser process with remote debugging enabled and
// discovers its DevTools websocket endpoint.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// DefaultUserDataDirPrefix is the default user data directory prefix.
	DefaultUserDataDirPrefix = "robert-webdriver-"

	// bannerPrefix precedes the browser websocket URL on stderr.
	bannerPrefix = "DevTools listening on"

	// tailLines is the number of stderr lines kept for error reports.
	tailLines = 8
)

// Error is a runner error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrAlreadyStarted is the already started error.
	ErrAlreadyStarted Error = "already started"

	// ErrNotStarted is returned when stopping a runner that never started.
	ErrNotStarted Error = "not started"

	// ErrInvalidExecPath is the invalid exec-path error.
	ErrInvalidExecPath Error = "invalid exec-path"

	// ErrExitedEarly is returned when the process exits before reporting
	// its DevTools endpoint.
	ErrExitedEarly Error = "browser exited before reporting its devtools endpoint"

	// ErrEndpointTimeout is returned when the DevTools endpoint is not
	// reported in time.
	ErrEndpointTimeout Error = "timed out waiting for the devtools endpoint"
)

// internal option keys that are not passed to the browser.
const (
	optURLs = "url-opts"
	optLogf = "_logf"
)

// Runner holds information about a browser process.
type Runner struct {
	execPath string
	opts     map[string]interface{}

	logf func(string, ...interface{})

	mu          sync.Mutex
	cmd         *exec.Cmd
	userDataDir string
	removeDir   bool

	// done is closed once the process has been reaped; waitErr is only
	// written before that.
	done    chan struct{}
	waitErr error

	tailMu sync.Mutex
	tail   []string
}

// New creates a runner for the executable at execPath using the supplied
// command line options.
func New(execPath string, opts ...CommandLineOption) (*Runner, error) {
	if execPath == "" {
		return nil, ErrInvalidExecPath
	}

	cliOpts := make(map[string]interface{})
	for _, o := range opts {
		if err := o(cliOpts); err != nil {
			return nil, err
		}
	}
	for k, v := range map[string]interface{}{
		"no-first-run":             true,
		"no-default-browser-check": true,
		"remote-debugging-port":    0,
	} {
		if _, ok := cliOpts[k]; !ok {
			cliOpts[k] = v
		}
	}

	logf, _ := cliOpts[optLogf].(func(string, ...interface{}))
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Runner{
		execPath: execPath,
		opts:     cliOpts,
		logf:     logf,
		done:     make(chan struct{}),
	}, nil
}

// cliOptRE is a regular expression to validate a chrome cli option.
var cliOptRE = regexp.MustCompile(`^[a-z0-9\-]+$`)

// buildOpts generates the command line options, sorted by flag name, followed
// by the start URLs.
func (r *Runner) buildOpts() []string {
	var opts []string
	var urls []string

	keys := maps.Keys(r.opts)
	slices.Sort(keys)
	for _, k := range keys {
		v := r.opts[k]
		if k == optURLs {
			urls = v.([]string)
			continue
		}
		if !cliOptRE.MatchString(k) || v == nil {
			continue
		}
		switch z := v.(type) {
		case bool:
			if z {
				opts = append(opts, "--"+k)
			}
		case string:
			opts = append(opts, "--"+k+"="+z)
		default:
			opts = append(opts, "--"+k+"="+fmt.Sprint(v))
		}
	}

	if urls == nil {
		urls = append(urls, "about:blank")
	}
	return append(opts, urls...)
}

// Start starts the process and waits until it reports its DevTools websocket
// URL on stderr, which is returned. ctx bounds only the wait: once Start
// returns successfully, the process runs until Kill or Stop.
//
// On failure the process is killed and reaped, and a user data directory
// created by Start is removed.
func (r *Runner) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return "", ErrAlreadyStarted
	}

	if dir, ok := r.opts["user-data-dir"].(string); ok && dir != "" {
		r.userDataDir = dir
	} else {
		dir, err := os.MkdirTemp("", DefaultUserDataDirPrefix+uuid.NewString()[:8]+"-")
		if err != nil {
			return "", fmt.Errorf("could not create user data dir: %w", err)
		}
		r.opts["user-data-dir"] = dir
		r.userDataDir, r.removeDir = dir, true
	}

	// Own the pipe rather than using cmd.StderrPipe, so that cmd.Wait does
	// not race with the stderr reader below.
	pr, pw, err := os.Pipe()
	if err != nil {
		r.removeUserDataDir()
		return "", err
	}
	cmd := exec.Command(r.execPath, r.buildOpts()...)
	cmd.Stderr = pw
	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		r.removeUserDataDir()
		return "", fmt.Errorf("could not start %s: %w", r.execPath, err)
	}
	pw.Close()
	r.cmd = cmd
	r.logf("started %s (pid %d)", r.execPath, cmd.Process.Pid)

	go func() {
		r.waitErr = cmd.Wait()
		close(r.done)
	}()

	urlCh := make(chan string, 1)
	scanned := make(chan struct{})
	go r.scan(pr, urlCh, scanned)

	select {
	case u := <-urlCh:
		return u, nil
	case <-r.done:
		// Let the scanner catch up with the output written before exit.
		select {
		case <-scanned:
		case <-ctx.Done():
		}
		r.removeUserDataDir()
		return "", fmt.Errorf("%w: %v%s", ErrExitedEarly, r.waitErr, r.stderrTail())
	case <-ctx.Done():
		if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logf("could not kill pid %d: %v", cmd.Process.Pid, err)
		}
		<-r.done
		r.removeUserDataDir()
		return "", fmt.Errorf("%w: %v%s", ErrEndpointTimeout, ctx.Err(), r.stderrTail())
	}
}

// scan reads stderr until the DevTools banner, then keeps draining it so the
// browser never blocks on a full pipe. scanned is closed once stderr is
// exhausted.
func (r *Runner) scan(pr io.ReadCloser, urlCh chan<- string, scanned chan<- struct{}) {
	defer pr.Close()
	defer close(scanned)
	sc := bufio.NewScanner(pr)
	for sc.Scan() {
		line := sc.Text()
		if s := strings.TrimPrefix(line, bannerPrefix); s != line {
			urlCh <- strings.TrimSpace(s)
			break
		}
		r.logf("browser: %s", line)
		r.tailMu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > tailLines {
			r.tail = r.tail[1:]
		}
		r.tailMu.Unlock()
	}
	for sc.Scan() {
		r.logf("browser: %s", sc.Text())
	}
}

func (r *Runner) stderrTail() string {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()
	if len(r.tail) == 0 {
		return ""
	}
	return "\n" + strings.Join(r.tail, "\n")
}

// Pid returns the process id, or 0 if the runner was not started.
func (r *Runner) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// UserDataDir returns the profile directory passed to the browser.
func (r *Runner) UserDataDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userDataDir
}

// Done is closed once the process has exited and been reaped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Kill kills the process and its process group without waiting.
func (r *Runner) Kill() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}
	if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Stop waits until ctx is done for the process to exit on its own, then kills
// it. Once the process is reaped, a user data directory created by Start is
// removed. Stop is safe to call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	var err error
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logf("pid %d did not exit in time, killing it", cmd.Process.Pid)
		if kerr := killProcess(cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("could not kill pid %d: %w", cmd.Process.Pid, kerr)
		}
		<-r.done
	}
	if rerr := r.removeUserDataDir(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (r *Runner) removeUserDataDir() error {
	if !r.removeDir {
		return nil
	}
	if err := os.RemoveAll(r.userDataDir); err != nil {
		return fmt.Errorf("could not remove user data dir: %w", err)
	}
	return nil
}

// CommandLineOption is a runner command line option.
//
// see: http://peter.sh/experiments/chromium-command-line-switches/
type CommandLineOption func(map[string]interface{}) error

// Flag is a generic command line option to pass a name=value flag to
// Chrome. A true bool is passed as --name, a false one is omitted.
func Flag(name string, value interface{}) CommandLineOption {
	return func(m map[string]interface{}) error {
		m[name] = value
		return nil
	}
}

// UserDataDir is the command line option to set the user data dir.
//
// Note: when this is not set, Start creates a temporary directory and Stop
// removes it.
func UserDataDir(dir string) CommandLineOption {
	return Flag("user-data-dir", dir)
}

// NoSandbox is the Chrome command line option to disable the sandbox.
func NoSandbox(m map[string]interface{}) error {
	return Flag("no-sandbox", true)(m)
}

// NoFirstRun is the Chrome command line option to disable the first run
// dialog.
func NoFirstRun(m map[string]interface{}) error {
	return Flag("no-first-run", true)(m)
}

// NoDefaultBrowserCheck is the Chrome command line option to disable the
// default browser check.
func NoDefaultBrowserCheck(m map[string]interface{}) error {
	return Flag("no-default-browser-check", true)(m)
}

// RemoteDebuggingPort is the command line option to set the remote
// debugging port. Port 0 lets the browser pick a free port.
func RemoteDebuggingPort(port int) CommandLineOption {
	return Flag("remote-debugging-port", port)
}

// Headless is the command line option to run in headless mode.
func Headless(m map[string]interface{}) error {
	m["headless"] = "new"
	m["hide-scrollbars"] = true
	m["mute-audio"] = true
	return nil
}

// Logf is an option to receive the browser's stderr output and process
// lifecycle messages.
func Logf(f func(string, ...interface{})) CommandLineOption {
	return func(m map[string]interface{}) error {
		m[optLogf] = f
		return nil
	}
}

// URL is the command line option to add a URL to open on process start.
func URL(urlstr string) CommandLineOption {
	return func(m map[string]interface{}) error {
		urls, _ := m[optURLs].([]string)
		m[optURLs] = append(urls, urlstr)
		return nil
	}
}

// FindExecPath looks for the platform's DefaultChromeNames using
// exec.LookPath, then for the platform's DefaultChromePaths, returning the
// first one found, or "" when there is none.
func FindExecPath() string {
	for _, name := range DefaultChromeNames {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	for _, path := range DefaultChromePaths {
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path
		}
	}
	return ""
}

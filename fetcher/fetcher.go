// Package fetcher downloads a pinned Chrome for Testing build once and keeps
// it in a per-user cache shared by every process on the machine. The download
// and unpacking are done by the rod launcher.
//
// Entries are published by renaming a fully extracted and verified directory
// into place, so a reader never observes a partial entry, and concurrent
// fetchers (in one process or many) end up using the same files.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultVersion is the pinned Chrome for Testing version.
	DefaultVersion = "131.0.6778.204"

	// DefaultBaseURL is the Chrome for Testing download root.
	DefaultBaseURL = "https://storage.googleapis.com/chrome-for-testing-public"

	// DefaultTimeout bounds a download.
	DefaultTimeout = 10 * time.Minute

	// EnvCacheDir overrides the default cache root.
	EnvCacheDir = "ROBERT_CHROME_CACHE"

	// markerName is written last into an entry, recording what a complete
	// entry looks like.
	markerName = ".complete.json"
)

// Fetcher resolves the executable of a pinned browser build, downloading it
// into the cache on first use.
type Fetcher struct {
	version  string
	baseURL  string
	cacheDir string
	platform Platform
	platErr  error
	timeout  time.Duration
	hc       *http.Client

	logf func(string, ...interface{})

	group singleflight.Group
}

// New creates a fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		version: DefaultVersion,
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		hc:      http.DefaultClient,
		logf:    log.Printf,
	}
	f.platform, f.platErr = CurrentPlatform()
	for _, o := range opts {
		o(f)
	}
	if f.cacheDir == "" {
		f.cacheDir = DefaultCacheDir()
	}
	return f
}

// DefaultCacheDir returns $ROBERT_CHROME_CACHE if set, and otherwise
// robert-webdriver/chrome under the user cache directory (or the temp
// directory when there is none).
func DefaultCacheDir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "robert-webdriver", "chrome")
}

// Dir returns the cache entry directory for the fetcher's version and
// platform.
func (f *Fetcher) Dir() string {
	return filepath.Join(f.cacheDir, f.version, string(f.platform))
}

// Resolve returns the path of a verified browser executable, downloading and
// publishing it first when the cache has no valid entry. Concurrent calls on
// the same Fetcher share one download.
func (f *Fetcher) Resolve(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer("github.com/robert-app/webdriver/fetcher").Start(ctx, "fetcher.Resolve",
		trace.WithAttributes(
			attribute.String("browser.version", f.version),
			attribute.String("browser.platform", string(f.platform)),
		))
	defer span.End()

	v, err, shared := f.group.Do(f.Dir(), func() (interface{}, error) {
		return f.resolve(ctx)
	})
	span.SetAttributes(attribute.Bool("fetcher.shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) resolve(ctx context.Context) (string, error) {
	if f.platErr != nil {
		return "", f.platErr
	}
	dir := f.Dir()
	switch err := f.verify(dir); {
	case err == nil:
		return filepath.Join(dir, f.platform.Executable()), nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		f.logf("cached browser at %s is unusable, fetching it again: %v", dir, err)
		if err := invalidate(dir); err != nil {
			return "", err
		}
	}
	return f.install(ctx, dir)
}

// marker is the content of an entry's marker file.
type marker struct {
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Executable string `json:"executable"`
	Size       int64  `json:"size"`
}

// verify checks the entry at dir. A missing entry yields an error matching
// fs.ErrNotExist; anything else wrong with it yields an integrity error.
func (f *Fetcher) verify(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return fsError(dir, err)
	}
	buf, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return integrityError(dir, "no completion marker: %v", err)
	}
	var m marker
	if err := json.Unmarshal(buf, &m); err != nil {
		return integrityError(dir, "bad completion marker: %v", err)
	}
	if m.Version != f.version || m.Platform != string(f.platform) {
		return integrityError(dir, "marker is for %s/%s", m.Version, m.Platform)
	}
	return f.checkExecutable(filepath.Join(dir, f.platform.Executable()), m.Size)
}

// checkExecutable checks that path is a regular, executable file of the
// given size. A negative size is not checked.
func (f *Fetcher) checkExecutable(path string, size int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		return integrityError(path, "executable: %v", err)
	}
	switch {
	case !fi.Mode().IsRegular():
		return integrityError(path, "executable is not a regular file")
	case !f.platform.Windows() && fi.Mode().Perm()&0o111 == 0:
		return integrityError(path, "executable has no exec permission")
	case size >= 0 && fi.Size() != size:
		return integrityError(path, "executable size %d, want %d", fi.Size(), size)
	}
	return nil
}

// invalidate moves the entry at dir aside, then removes it.
func invalidate(dir string) error {
	stale := dir + ".stale-" + uuid.NewString()
	if err := os.Rename(dir, stale); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fsError(dir, err)
	}
	if err := os.RemoveAll(stale); err != nil {
		return fsError(stale, err)
	}
	return nil
}

// install has the launcher download and unpack the archive into a private
// directory next to dir, verifies the result, and publishes it as dir.
func (f *Fetcher) install(ctx context.Context, dir string) (string, error) {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fsError(parent, err)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	tmp := filepath.Join(parent, "."+string(f.platform)+"-"+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", fsError(tmp, err)
	}
	defer os.RemoveAll(tmp)

	urlstr := f.URL()
	lb := launcher.NewBrowser()
	lb.Context = ctx
	lb.RootDir = tmp
	lb.Revision = f.revision()
	lb.Hosts = []launcher.Host{func(int) string { return urlstr }}
	lb.HTTPClient = f.hc
	lb.Logger = log.New(logWriter(f.logf), "", 0)

	f.logf("downloading browser %s from %s", f.version, urlstr)
	if err := lb.Download(); err != nil {
		return "", downloadError(ctx, urlstr, err)
	}

	root := lb.Dir()
	exe := filepath.Join(root, f.platform.Executable())
	if err := f.checkExecutable(exe, -1); err != nil {
		return "", err
	}
	fi, err := os.Stat(exe)
	if err != nil {
		return "", integrityError(exe, "%v", err)
	}
	buf, err := json.Marshal(marker{
		Version:    f.version,
		Platform:   string(f.platform),
		Executable: f.platform.Executable(),
		Size:       fi.Size(),
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, markerName), buf, 0o644); err != nil {
		return "", fsError(root, err)
	}

	if err := os.Rename(root, dir); err != nil {
		// Another fetcher published first; use its entry.
		if verr := f.verify(dir); verr == nil {
			f.logf("browser %s was published concurrently at %s", f.version, dir)
			return filepath.Join(dir, f.platform.Executable()), nil
		}
		return "", fsError(dir, err)
	}
	f.logf("installed browser %s at %s", f.version, dir)
	return filepath.Join(dir, f.platform.Executable()), nil
}

// URL returns the download URL of the archive.
func (f *Fetcher) URL() string {
	return fmt.Sprintf("%s/%s/%s/%s", f.baseURL, f.version, f.platform, f.platform.archiveName())
}

// revision is the build number of the version, naming the launcher's
// unpack directory.
func (f *Fetcher) revision() int {
	parts := strings.Split(f.version, ".")
	if len(parts) < 3 {
		return 0
	}
	n, _ := strconv.Atoi(parts[2])
	return n
}

// logWriter feeds the launcher's progress lines to a logf func.
type logWriter func(string, ...interface{})

func (w logWriter) Write(p []byte) (int, error) {
	w("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Clear removes every cached browser. The cache is rebuilt on the next
// Resolve.
func (f *Fetcher) Clear() error {
	if err := os.RemoveAll(f.cacheDir); err != nil {
		return fsError(f.cacheDir, err)
	}
	return nil
}

// Option is a fetcher option.
type Option func(*Fetcher)

// Version sets the browser version to fetch.
func Version(v string) Option {
	return func(f *Fetcher) {
		f.version = v
	}
}

// BaseURL sets the download root.
func BaseURL(u string) Option {
	return func(f *Fetcher) {
		f.baseURL = u
	}
}

// CacheDir sets the cache root.
func CacheDir(dir string) Option {
	return func(f *Fetcher) {
		f.cacheDir = dir
	}
}

// WithPlatform overrides the detected platform.
func WithPlatform(p Platform) Option {
	return func(f *Fetcher) {
		f.platform, f.platErr = p, nil
	}
}

// Timeout bounds a download.
func Timeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// HTTPClient sets the client used for downloads.
func HTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		f.hc = hc
	}
}

// Logf sets the func receiving progress messages.
func Logf(logf func(string, ...interface{})) Option {
	return func(f *Fetcher) {
		f.logf = logf
	}
}

//go:build linux || freebsd || netbsd || openbsd

package runner

// DefaultChromePaths are checked when none of DefaultChromeNames is found in
// $PATH.
var DefaultChromePaths = []string{
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/snap/bin/chromium",
}

// DefaultChromeNames are the default Chrome executable names to look for in
// $PATH.
var DefaultChromeNames = []string{
	"headless_shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"google-chrome-beta",
	"google-chrome-unstable",
}

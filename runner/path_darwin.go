//go:build darwin

package runner

// DefaultChromePaths are checked when none of DefaultChromeNames is found in
// $PATH.
var DefaultChromePaths = []string{
	`/Applications/Google Chrome.app/Contents/MacOS/Google Chrome`,
	`/Applications/Chromium.app/Contents/MacOS/Chromium`,
	`/Applications/Google Chrome for Testing.app/Contents/MacOS/Google Chrome for Testing`,
}

// DefaultChromeNames are the default Chrome executable names to look for in
// $PATH.
var DefaultChromeNames = []string{
	"chromium",
	"google-chrome",
}

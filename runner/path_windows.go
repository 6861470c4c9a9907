//go:build windows

package runner

// DefaultChromePaths are checked when none of DefaultChromeNames is found in
// %PATH%.
var DefaultChromePaths = []string{
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
}

// DefaultChromeNames are the default Chrome executable names to look for in
// %PATH%.
var DefaultChromeNames = []string{
	"chrome",
	"chrome.exe", // in case PATHEXT is misconfigured
}

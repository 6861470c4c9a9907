package runner

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
)

// newHeadlessMajor is the first major version that understands
// --headless=new.
const newHeadlessMajor = 112

var versionRE = regexp.MustCompile(`[^0-9]+([0-9]+)`)

// MajorVersion returns the major component of the version number of the
// specified program's --version output. E.g: "Google Chrome 59.foo.bar" => 59.
func MajorVersion(ctx context.Context, path string) (int, error) {
	version, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return 0, err
	}
	ret := versionRE.FindSubmatch(version)
	if len(ret) < 2 {
		return 0, fmt.Errorf("no version number found in version string %q", version)
	}
	return strconv.Atoi(string(ret[1]))
}

// HeadlessFor returns the headless option suited to the browser at path:
// the legacy --headless switch for browsers older than 112, and Headless
// otherwise or when the version cannot be determined. On Windows, where
// chrome.exe --version starts a browser instead of printing, it always
// returns Headless.
func HeadlessFor(ctx context.Context, path string) CommandLineOption {
	if runtime.GOOS == "windows" {
		return Headless
	}
	if major, err := MajorVersion(ctx, path); err == nil && major < newHeadlessMajor {
		return legacyHeadless
	}
	return Headless
}

func legacyHeadless(m map[string]interface{}) error {
	if err := Headless(m); err != nil {
		return err
	}
	m["headless"] = true
	return nil
}

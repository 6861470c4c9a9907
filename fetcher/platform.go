package fetcher

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Platform is a Chrome for Testing platform name.
type Platform string

// Platform values.
const (
	Linux64  Platform = "linux64"
	MacX64   Platform = "mac-x64"
	MacArm64 Platform = "mac-arm64"
	Win32    Platform = "win32"
	Win64    Platform = "win64"
)

// CurrentPlatform returns the platform of the running program.
func CurrentPlatform() (Platform, error) {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) (Platform, error) {
	switch goos + "/" + goarch {
	case "linux/amd64":
		return Linux64, nil
	case "darwin/amd64":
		return MacX64, nil
	case "darwin/arm64":
		return MacArm64, nil
	case "windows/386":
		return Win32, nil
	case "windows/amd64", "windows/arm64":
		return Win64, nil
	}
	return "", &Error{
		Kind: KindUnsupported,
		Err:  fmt.Errorf("%s/%s", goos, goarch),
	}
}

// Executable returns the path of the browser executable relative to the
// unpacked archive. The launcher strips the archive's single top-level
// chrome-<platform> directory.
func (p Platform) Executable() string {
	switch p {
	case MacX64, MacArm64:
		return filepath.Join("Google Chrome for Testing.app", "Contents", "MacOS", "Google Chrome for Testing")
	case Win32, Win64:
		return "chrome.exe"
	}
	return "chrome"
}

// Windows reports whether p is a Windows platform, where executables carry no
// permission bits.
func (p Platform) Windows() bool {
	return p == Win32 || p == Win64
}

func (p Platform) archiveName() string {
	return "chrome-" + string(p) + ".zip"
}

package webdriver

import "strconv"

// ConnectionMode selects how a Session obtains its browser: by launching a
// process it owns (Sandboxed), or by attaching to one that is already running
// (DebugPort).
type ConnectionMode interface {
	String() string
	connectionMode()
}

// Sandboxed launches and owns a browser process. Nil flags are resolved from
// the environment Profile.
type Sandboxed struct {
	// ChromePath is the browser executable. When empty, the executable is
	// resolved through the session's Resolver.
	ChromePath string

	NoSandbox *bool
	Headless  *bool
}

func (Sandboxed) connectionMode() {}

// String satisfies fmt.Stringer.
func (Sandboxed) String() string {
	return "sandboxed"
}

// DebugPort attaches to a browser listening on localhost at the given remote
// debugging port. The session never owns that browser's lifetime.
type DebugPort uint16

func (DebugPort) connectionMode() {}

// String satisfies fmt.Stringer.
func (p DebugPort) String() string {
	return "debug-port:" + strconv.Itoa(int(p))
}

// LaunchVisible returns a mode that launches a visible, sandboxed browser.
func LaunchVisible() ConnectionMode {
	return Sandboxed{NoSandbox: boolPtr(false), Headless: boolPtr(false)}
}

// LaunchNoSandbox returns a mode that launches a visible browser with the
// sandbox disabled.
func LaunchNoSandbox() ConnectionMode {
	return Sandboxed{NoSandbox: boolPtr(true), Headless: boolPtr(false)}
}

// LaunchHeadless returns a mode that launches a headless browser with the
// sandbox disabled.
func LaunchHeadless() ConnectionMode {
	return Sandboxed{NoSandbox: boolPtr(true), Headless: boolPtr(true)}
}

// LaunchAuto returns a mode whose flags are taken from the environment
// Profile at launch time.
func LaunchAuto() ConnectionMode {
	return Sandboxed{}
}

// LaunchWithPath returns a mode that launches the executable at path.
func LaunchWithPath(path string, noSandbox, headless bool) ConnectionMode {
	return Sandboxed{ChromePath: path, NoSandbox: &noSandbox, Headless: &headless}
}

// ConnectPort returns a mode that attaches to an existing browser.
func ConnectPort(port uint16) ConnectionMode {
	return DebugPort(port)
}

func boolPtr(b bool) *bool {
	return &b
}

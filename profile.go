package webdriver

import "os"

// Profile holds the launch defaults derived from the execution environment.
type Profile struct {
	Headless  bool
	NoSandbox bool
}

// ciIndicators are environment variables set by common CI systems.
var ciIndicators = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"JENKINS_HOME",
	"CIRCLECI",
	"BUILDKITE",
	"TRAVIS",
	"TF_BUILD",
}

// DetectProfile returns the headless, no-sandbox profile when any CI
// indicator is present in lookup, and the visible, sandboxed profile
// otherwise. CI set to "false" or "0" is not treated as an indicator.
func DetectProfile(lookup func(string) (string, bool)) Profile {
	for _, name := range ciIndicators {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if name == "CI" && (v == "false" || v == "0") {
			continue
		}
		return Profile{Headless: true, NoSandbox: true}
	}
	return Profile{}
}

// EnvProfile detects the profile from the process environment.
func EnvProfile() Profile {
	return DetectProfile(os.LookupEnv)
}

// Apply resolves the effective headless and no-sandbox settings for m. Flags
// explicitly set on m win over the profile.
func (p Profile) Apply(m Sandboxed) (headless, noSandbox bool) {
	headless, noSandbox = p.Headless, p.NoSandbox
	if m.Headless != nil {
		headless = *m.Headless
	}
	if m.NoSandbox != nil {
		noSandbox = *m.NoSandbox
	}
	return headless, noSandbox
}

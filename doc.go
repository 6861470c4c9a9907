// Package webdriver manages browser sessions over the Chrome DevTools
// Protocol. A Session either launches a Chromium-family browser it owns, or
// attaches to one already listening on a remote debugging port, and drives a
// single page of it.
//
// Launching without an explicit executable fetches and caches a pinned
// Chrome for Testing build (see package fetcher). Whether the browser runs
// headless and without the sandbox is decided by the connection mode, or,
// when the mode leaves it open, by the environment: CI systems get a
// headless, unsandboxed browser.
//
// Every failure is reported as an *Error carrying a Kind, which can be
// matched with errors.Is against the Err* sentinels:
//
//	s, err := webdriver.Launch(ctx, webdriver.LaunchAuto())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	if err := s.Navigate(ctx, "example.com"); err != nil {
//		return err
//	}
//	heading, err := s.ElementText(ctx, "h1")
//	if errors.Is(err, webdriver.ErrElementNotFound) {
//		// ...
//	}
package webdriver

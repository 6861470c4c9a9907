package webdriver

import (
	"context"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// Action is a single atomic action, run against the executor carried by the
// context (see cdp.WithExecutor).
type Action interface {
	Do(context.Context) error
}

// ActionFunc is a single action func.
type ActionFunc func(context.Context) error

// Do executes the func f using the provided context.
func (f ActionFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// Tasks is a sequential list of Actions that can be used as a single Action.
type Tasks []Action

// Do executes the list of Tasks sequentially, stopping at the first error.
func (t Tasks) Do(ctx context.Context) error {
	for _, a := range t {
		if err := a.Do(ctx); err != nil {
			return err
		}
	}
	return nil
}

// enableDomains is run on every newly attached page.
var enableDomains = Tasks{
	page.Enable(),
	page.SetLifecycleEventsEnabled(true),
	dom.Enable(),
	runtime.Enable(),
}

// discoverTargets is run once per connection, so that target lifecycle events
// reach the browser-level router.
var discoverTargets = Tasks{
	target.SetDiscoverTargets(true),
}

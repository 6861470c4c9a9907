package webdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
)

// NormalizeURL prefixes https:// to a URL without a scheme. about:, data:,
// javascript:, file: and similar URLs are left alone.
func NormalizeURL(urlstr string) string {
	urlstr = strings.TrimSpace(urlstr)
	if i := strings.Index(urlstr, ":"); i > 0 && isScheme(urlstr[:i]) && !isHostPort(urlstr, i) {
		return urlstr
	}
	return "https://" + urlstr
}

func isScheme(s string) bool {
	for i, r := range s {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && ('0' <= r && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// isHostPort reports whether the colon at i separates a host from a port,
// as in "localhost:8080/path".
func isHostPort(urlstr string, i int) bool {
	rest := urlstr[i+1:]
	if rest == "" || rest[0] < '0' || rest[0] > '9' {
		return false
	}
	for _, r := range rest {
		if r == '/' || r == '?' || r == '#' {
			break
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Navigate loads urlstr in the page and waits for its load event, bounded by
// the navigate timeout. A URL without a scheme gets https://. Navigations
// within the same document complete as soon as the browser accepts them.
func (s *Session) Navigate(ctx context.Context, urlstr string) (err error) {
	ctx, span := startSpan(ctx, "webdriver.Navigate",
		attribute.String("webdriver.session", s.id),
		attribute.String("url.full", urlstr),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.failure("navigate", err)
	}()

	if strings.TrimSpace(urlstr) == "" {
		return &Error{Kind: KindNavigationFailed, Op: "navigate", Err: ErrEmptyURL}
	}
	t, err := s.page("navigate")
	if err != nil {
		return err
	}
	urlstr = NormalizeURL(urlstr)
	navErr := func(err error) error {
		s.noticeLost()
		return &Error{Kind: KindNavigationFailed, Op: "navigate", URL: urlstr, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.navigateTimeout)
	defer cancel()

	// Listen before navigating: the load event may be routed before
	// Page.navigate returns to this goroutine.
	loads := make(chan cdp.LoaderID, 16)
	lctx, lcancel := context.WithCancel(ctx)
	defer lcancel()
	t.Listen(lctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "load" {
			select {
			case loads <- e.LoaderID:
			default:
			}
		}
	})

	start := time.Now()
	_, loaderID, errorText, err := page.Navigate(urlstr).Do(cdp.WithExecutor(ctx, t))
	switch {
	case err != nil:
		return navErr(err)
	case errorText != "":
		return navErr(fmt.Errorf("page load error %s", errorText))
	case loaderID == "":
		s.metrics.navigated(time.Since(start))
		return nil
	}

	for {
		select {
		case id := <-loads:
			if id == loaderID {
				s.metrics.navigated(time.Since(start))
				return nil
			}
		case <-t.Lost():
			return navErr(t.Err())
		case <-s.browser.Done():
			return navErr(s.browser.closedErr())
		case <-ctx.Done():
			return navErr(ctx.Err())
		}
	}
}

// CurrentURL returns the page's current URL as reported by the browser.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.targetInfo(ctx, "current url")
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Title returns the page's current title as reported by the browser.
func (s *Session) Title(ctx context.Context) (string, error) {
	info, err := s.targetInfo(ctx, "title")
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (s *Session) targetInfo(ctx context.Context, op string) (*target.Info, error) {
	t, err := s.page(op)
	if err != nil {
		return nil, err
	}
	if err := t.Err(); err != nil {
		return nil, s.cdpError(op, err)
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	info, err := target.GetTargetInfo().WithTargetID(t.TargetID).Do(cdp.WithExecutor(ctx, s.browser))
	if err != nil {
		return nil, s.cdpError(op, err)
	}
	if info == nil {
		return nil, s.cdpError(op, errors.New("no target info"))
	}
	return info, nil
}

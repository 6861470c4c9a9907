package webdriver

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
)

// textFunc returns the rendered text of this, falling back to its raw text
// content for nodes without layout.
const textFunc = `function() {
	if (this.innerText !== undefined) {
		return this.innerText;
	}
	return this.textContent || "";
}`

// PageSource returns the serialized HTML of the current document.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	const op = "page source"
	t, err := s.page(op)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	ctx = cdp.WithExecutor(ctx, t)

	root, err := dom.GetDocument().WithDepth(0).Do(ctx)
	if err != nil {
		return "", s.cdpError(op, err)
	}
	html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
	if err != nil {
		return "", s.cdpError(op, err)
	}
	return html, nil
}

// PageText returns the visible text of the document body. Script and style
// contents are not part of it.
func (s *Session) PageText(ctx context.Context) (string, error) {
	return s.text(ctx, "page text", "body")
}

// ElementText returns the visible text of the first element matching the CSS
// selector, or "" when it has none.
func (s *Session) ElementText(ctx context.Context, selector string) (string, error) {
	return s.text(ctx, "element text", selector)
}

func (s *Session) text(ctx context.Context, op, selector string) (string, error) {
	t, err := s.page(op)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	ctx = cdp.WithExecutor(ctx, t)

	root, err := dom.GetDocument().WithDepth(0).Do(ctx)
	if err != nil {
		return "", s.cdpError(op, err)
	}
	nodeID, err := dom.QuerySelector(root.NodeID, selector).Do(ctx)
	if err != nil {
		return "", s.cdpError(op, err)
	}
	if nodeID == 0 {
		return "", &Error{Kind: KindElementNotFound, Op: op, Selector: selector}
	}

	obj, err := dom.ResolveNode().WithNodeID(nodeID).Do(ctx)
	if err != nil {
		return "", s.cdpError(op, err)
	}
	defer func() {
		if err := runtime.ReleaseObject(obj.ObjectID).Do(ctx); err != nil {
			s.debugf("could not release %s: %v", obj.ObjectID, err)
		}
	}()

	var text string
	switch err := t.callFunctionOn(ctx, textFunc, obj.ObjectID, &text); err {
	case nil, ErrUndefined:
	default:
		return "", s.cdpError(op, err)
	}
	return text, nil
}

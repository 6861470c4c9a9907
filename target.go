package webdriver

import (
	"context"
	"errors"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Target is the handle of one attached page. It executes commands on the
// page's flattened session and fans the page's events out to listeners.
type Target struct {
	browser   *Browser
	SessionID target.SessionID
	TargetID  target.ID

	listenersMu sync.Mutex
	listeners   []cancelableListener

	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error

	// logging funcs
	logf, errf func(string, ...interface{})
}

type cancelableListener struct {
	ctx context.Context
	fn  func(ev interface{})
}

// Execute satisfies cdp.Executor, running the command on the target's
// session.
func (t *Target) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, close its session")
	}
	if err := t.Err(); err != nil {
		return err
	}
	return t.browser.execute(ctx, t.SessionID, method, params, res)
}

// ExecuteRaw runs method with already encoded params on the target's session,
// returning the raw result.
func (t *Target) ExecuteRaw(ctx context.Context, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	return t.browser.send(ctx, t.SessionID, method, params)
}

// Lost is closed once the target was destroyed, crashed, or detached.
func (t *Target) Lost() <-chan struct{} {
	return t.lost
}

// Err returns the reason the target was lost, or nil.
func (t *Target) Err() error {
	select {
	case <-t.lost:
		return t.lostErr
	default:
		return nil
	}
}

func (t *Target) markLost(err error) {
	t.lostOnce.Do(func() {
		t.lostErr = err
		close(t.lost)
	})
}

// Listen adds fn to the target's event listeners until ctx is done. fn runs
// on the message routing goroutine, so it must not block.
func (t *Target) Listen(ctx context.Context, fn func(ev interface{})) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, cancelableListener{ctx, fn})
	t.listenersMu.Unlock()
}

// deliver decodes an event for this target and runs the listeners.
func (t *Target) deliver(msg *cdproto.Message) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	if len(t.listeners) == 0 {
		return
	}
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
			// This is most likely an event received from an older
			// Chrome which a newer cdproto doesn't have, as it is
			// deprecated. Ignore that error.
			return
		}
		t.errf("could not unmarshal event: %v", err)
		return
	}
	t.listeners = runListeners(t.listeners, ev)
}

func runListeners(list []cancelableListener, ev interface{}) []cancelableListener {
	for i := 0; i < len(list); {
		listener := list[i]
		select {
		case <-listener.ctx.Done():
			list = append(list[:i], list[i+1:]...)
			continue
		default:
			listener.fn(ev)
			i++
		}
	}
	return list
}

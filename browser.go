package webdriver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mailru/easyjson"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Browser is the connection-level Chrome DevTools Protocol client. It owns the
// transport, routes command responses back to their callers, and routes
// events to the attached targets by session ID.
//
// Browser itself implements cdp.Executor for browser-level commands.
type Browser struct {
	conn Transport

	// next is the next message id.
	next int64

	// cmdQueue is the outgoing command queue.
	cmdQueue chan cmdJob

	targetsMu sync.RWMutex
	targets   map[target.SessionID]*Target

	cancel context.CancelFunc

	// done is closed once the run loop exits; err and closeErr are only
	// written before that.
	done     chan struct{}
	err      error
	closeErr error

	// logging funcs
	logf, errf, dbgf func(string, ...interface{})
}

type cmdJob struct {
	msg  *cdproto.Message
	resp chan *cdproto.Message
}

// NewBrowser dials the browser websocket at urlstr and starts routing
// messages. ctx only bounds the dial; the connection lives until Shutdown or
// until the transport fails.
func NewBrowser(ctx context.Context, urlstr string, opts ...BrowserOption) (*Browser, error) {
	b := newBrowser(opts...)
	var dopts []DialOption
	if b.dbgf != nil {
		dopts = append(dopts, WithConnDebugf(b.dbgf))
	}
	conn, err := DialContext(ctx, ForceIP(urlstr), dopts...)
	if err != nil {
		return nil, err
	}
	b.start(conn)
	return b, nil
}

func newBrowser(opts ...BrowserOption) *Browser {
	b := &Browser{
		cmdQueue: make(chan cmdJob),
		targets:  make(map[target.SessionID]*Target),
		done:     make(chan struct{}),
		logf:     log.Printf,
	}
	for _, o := range opts {
		o(b)
	}
	// ensure errf is set
	if b.errf == nil {
		b.errf = func(s string, v ...interface{}) { b.logf("ERROR: "+s, v...) }
	}
	return b
}

// start routes messages over conn until it fails or Shutdown is called.
func (b *Browser) start(conn Transport) {
	b.conn = conn
	rctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(rctx)
}

// Shutdown stops routing and closes the transport. Commands still waiting for
// a response fail with ErrChannelClosed. It is safe to call more than once.
func (b *Browser) Shutdown() error {
	b.cancel()
	<-b.done
	return b.closeErr
}

// Done is closed once the connection is gone.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

// Err returns the reason the connection ended, or nil if it is still up or
// was shut down deliberately.
func (b *Browser) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// closedErr is the error returned to callers once the connection is gone.
func (b *Browser) closedErr() error {
	if err := b.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return ErrChannelClosed
}

// Execute satisfies cdp.Executor for browser-level commands.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return b.execute(ctx, "", method, params, res)
}

func (b *Browser) execute(ctx context.Context, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}
	result, err := b.send(ctx, sessionID, method, buf)
	if err != nil {
		return err
	}
	if res != nil {
		return easyjson.Unmarshal(result, res)
	}
	return nil
}

// send queues a command and waits for its raw result.
func (b *Browser) send(ctx context.Context, sessionID target.SessionID, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	ch := make(chan *cdproto.Message, 1)
	job := cmdJob{
		msg: &cdproto.Message{
			ID:        atomic.AddInt64(&b.next, 1),
			SessionID: sessionID,
			Method:    cdproto.MethodType(method),
			Params:    params,
		},
		resp: ch,
	}
	select {
	case b.cmdQueue <- job:
	case <-b.done:
		return nil, b.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case msg := <-ch:
		switch {
		case msg == nil:
			return nil, b.closedErr()
		case msg.Error != nil:
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Browser) run(ctx context.Context) {
	// respByID is only safe for use within this goroutine, so don't declare
	// it as a Browser field.
	respByID := make(map[int64]chan *cdproto.Message)

	// Stops the reader when run returns on a transport error.
	defer b.cancel()
	defer close(b.done)
	defer func() {
		if err := b.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			b.closeErr = err
		}
	}()
	defer b.loseTargets()
	defer func() {
		for _, ch := range respByID {
			close(ch)
		}
	}()

	incoming := make(chan *cdproto.Message)
	readErr := make(chan error, 1)

	// This goroutine continuously reads messages from the websocket
	// connection. The separate goroutine is needed since a websocket read
	// is blocking, so it cannot be used in a select statement.
	go func() {
		for {
			msg := new(cdproto.Message)
			if err := b.conn.Read(ctx, msg); err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case q := <-b.cmdQueue:
			if _, ok := respByID[q.msg.ID]; ok {
				b.errf("id %d already present in response map", q.msg.ID)
				continue
			}
			respByID[q.msg.ID] = q.resp
			if err := b.conn.Write(ctx, q.msg); err != nil {
				b.err = fmt.Errorf("could not write message: %w", err)
				return
			}

		case msg := <-incoming:
			switch {
			case msg.Method != "":
				b.routeEvent(msg)
			case msg.ID != 0:
				resp, ok := respByID[msg.ID]
				if !ok {
					b.errf("id %d not present in response map", msg.ID)
					continue
				}
				resp <- msg
				close(resp)
				delete(respByID, msg.ID)
			default:
				b.errf("ignoring malformed incoming message (missing id or method): %#v", msg)
			}

		case err := <-readErr:
			b.err = fmt.Errorf("could not read message: %w", err)
			return

		case <-ctx.Done():
			return
		}
	}
}

// routeEvent dispatches an event to its target by session ID. Browser-level
// target lifecycle events mark the affected targets as lost.
func (b *Browser) routeEvent(msg *cdproto.Message) {
	if msg.SessionID != "" {
		b.targetsMu.RLock()
		t, ok := b.targets[msg.SessionID]
		b.targetsMu.RUnlock()
		if !ok {
			b.debugf("event %s for unknown session %q", msg.Method, msg.SessionID)
			return
		}
		t.deliver(msg)
		return
	}

	switch msg.Method {
	case cdproto.EventTargetDetachedFromTarget,
		cdproto.EventTargetTargetDestroyed,
		cdproto.EventTargetTargetCrashed:
	default:
		return
	}
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		b.errf("could not unmarshal event: %v", err)
		return
	}
	switch e := ev.(type) {
	case *target.EventDetachedFromTarget:
		b.loseSession(e.SessionID, fmt.Errorf("%w: detached", ErrTargetLost))
	case *target.EventTargetDestroyed:
		b.loseTargetID(e.TargetID, fmt.Errorf("%w: destroyed", ErrTargetLost))
	case *target.EventTargetCrashed:
		b.loseTargetID(e.TargetID, fmt.Errorf("%w: crashed (%s, code %d)", ErrTargetLost, e.Status, e.ErrorCode))
	}
}

func (b *Browser) debugf(s string, v ...interface{}) {
	if b.dbgf != nil {
		b.dbgf(s, v...)
	}
}

func (b *Browser) loseSession(sessionID target.SessionID, err error) {
	b.targetsMu.Lock()
	t, ok := b.targets[sessionID]
	delete(b.targets, sessionID)
	b.targetsMu.Unlock()
	if ok {
		t.markLost(err)
	}
}

func (b *Browser) loseTargetID(id target.ID, err error) {
	b.targetsMu.Lock()
	var lost []*Target
	for sid, t := range b.targets {
		if t.TargetID == id {
			lost = append(lost, t)
			delete(b.targets, sid)
		}
	}
	b.targetsMu.Unlock()
	for _, t := range lost {
		t.markLost(err)
	}
}

func (b *Browser) loseTargets() {
	b.targetsMu.Lock()
	targets := b.targets
	b.targets = make(map[target.SessionID]*Target)
	b.targetsMu.Unlock()
	for _, t := range targets {
		t.markLost(fmt.Errorf("%w: connection closed", ErrTargetLost))
	}
}

// AttachTarget attaches to the target with a flattened session and returns
// its handle. The Page, DOM and Runtime domains and page lifecycle events are
// enabled before returning.
func (b *Browser) AttachTarget(ctx context.Context, id target.ID) (*Target, error) {
	sessionID, err := target.AttachToTarget(id).WithFlatten(true).Do(cdp.WithExecutor(ctx, b))
	if err != nil {
		return nil, fmt.Errorf("could not attach to target %s: %w", id, err)
	}

	t := &Target{
		browser:   b,
		SessionID: sessionID,
		TargetID:  id,
		lost:      make(chan struct{}),
		logf:      b.logf,
		errf:      b.errf,
	}
	b.targetsMu.Lock()
	b.targets[sessionID] = t
	b.targetsMu.Unlock()

	if err := enableDomains.Do(cdp.WithExecutor(ctx, t)); err != nil {
		return nil, fmt.Errorf("could not enable domains on target %s: %w", id, err)
	}
	return t, nil
}

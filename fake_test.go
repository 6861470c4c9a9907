package webdriver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const blankHTML = `<html><head></head><body></body></html>`

// fakeBrowser speaks enough of the DevTools protocol, over the same HTTP
// discovery endpoint and websocket a real browser exposes, to drive a
// Session. Documents come from site, keyed by URL.
//
// Navigating to a URL containing "/hang" never fires the load event;
// a URL missing from site fails with a DNS error text.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	site     map[string]string
	pages    []*fakePage
	sessions map[string]*fakePage
	conns    map[net.Conn]*sync.Mutex
	nextID   int
	methods  []string
}

type fakePage struct {
	id      string
	url     string
	doc     *goquery.Document
	nodes   map[int64]*goquery.Selection
	objects map[string]*goquery.Selection
}

type fakeError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type fakeRequest struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"sessionId,omitempty"`
	Method    string                 `json:"method"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

type obj = map[string]interface{}

func newFakeBrowser(t *testing.T, site map[string]string, initial ...string) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t:        t,
		site:     site,
		sessions: make(map[string]*fakePage),
		conns:    make(map[net.Conn]*sync.Mutex),
	}
	if len(initial) == 0 {
		initial = []string{"about:blank"}
	}
	for _, u := range initial {
		fb.newPage(u)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(obj{
			"Browser":              "FakeChrome/131.0.6778.204",
			"Protocol-Version":     "1.3",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/devtools/browser/", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fb.mu.Lock()
		fb.conns[conn] = new(sync.Mutex)
		fb.mu.Unlock()
		go fb.serve(conn)
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.crash()
		fb.srv.Close()
	})
	return fb
}

// port is the fake's debug port.
func (fb *fakeBrowser) port() uint16 {
	return uint16(fb.srv.Listener.Addr().(*net.TCPAddr).Port)
}

// wsURL is the browser websocket URL, as printed in the DevTools banner.
func (fb *fakeBrowser) wsURL() string {
	return "ws://" + fb.srv.Listener.Addr().String() + "/devtools/browser/fake"
}

// crash drops every websocket connection.
func (fb *fakeBrowser) crash() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for conn := range fb.conns {
		conn.Close()
		delete(fb.conns, conn)
	}
}

// destroy removes the page and reports it to every connection.
func (fb *fakeBrowser) destroy(id string) {
	fb.mu.Lock()
	for i, pg := range fb.pages {
		if pg.id == id {
			fb.pages = append(fb.pages[:i], fb.pages[i+1:]...)
			break
		}
	}
	var conns []net.Conn
	for conn := range fb.conns {
		conns = append(conns, conn)
	}
	fb.mu.Unlock()
	for _, conn := range conns {
		fb.send(conn, obj{"method": "Target.targetDestroyed", "params": obj{"targetId": id}})
	}
}

// called reports whether method was received.
func (fb *fakeBrowser) called(method string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, m := range fb.methods {
		if m == method {
			return true
		}
	}
	return false
}

// newPage must be called with mu held, or before serving.
func (fb *fakeBrowser) newPage(urlstr string) *fakePage {
	fb.nextID++
	pg := &fakePage{id: fmt.Sprintf("T%d", fb.nextID)}
	html, ok := fb.site[urlstr]
	if !ok {
		html = blankHTML
	}
	pg.load(urlstr, html)
	fb.pages = append(fb.pages, pg)
	return pg
}

func (pg *fakePage) load(urlstr, html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		panic(err)
	}
	pg.url, pg.doc = urlstr, doc
	pg.nodes = make(map[int64]*goquery.Selection)
	pg.objects = make(map[string]*goquery.Selection)
}

func (pg *fakePage) info() obj {
	return obj{
		"targetId":         pg.id,
		"type":             "page",
		"title":            pg.doc.Find("title").First().Text(),
		"url":              pg.url,
		"attached":         true,
		"canAccessOpener":  false,
		"browserContextId": "default",
	}
}

func (fb *fakeBrowser) serve(conn net.Conn) {
	defer conn.Close()
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			fb.t.Errorf("bad request %s: %v", data, err)
			return
		}

		result, events, cerr := fb.dispatch(req)
		reply := obj{"id": req.ID}
		if req.SessionID != "" {
			reply["sessionId"] = req.SessionID
		}
		if cerr != nil {
			reply["error"] = cerr
		} else {
			reply["result"] = result
		}
		fb.send(conn, reply)
		for _, ev := range events {
			fb.send(conn, ev)
		}
		if req.Method == "Browser.close" {
			fb.mu.Lock()
			delete(fb.conns, conn)
			fb.mu.Unlock()
			return
		}
	}
}

func (fb *fakeBrowser) send(conn net.Conn, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("marshal: %v", err)
		return
	}
	fb.mu.Lock()
	wmu := fb.conns[conn]
	fb.mu.Unlock()
	if wmu == nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	wsutil.WriteServerMessage(conn, ws.OpText, buf)
}

func str(p obj, key string) string {
	s, _ := p[key].(string)
	return s
}

func num(p obj, key string) int64 {
	f, _ := p[key].(float64)
	return int64(f)
}

func notFound(method string) *fakeError {
	return &fakeError{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", method)}
}

func (fb *fakeBrowser) dispatch(req fakeRequest) (interface{}, []obj, *fakeError) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.methods = append(fb.methods, req.Method)
	p := req.Params

	switch req.Method {
	case "Browser.getVersion":
		return obj{
			"protocolVersion": "1.3",
			"product":         "FakeChrome/131.0.6778.204",
			"revision":        "@fake",
			"userAgent":       "FakeChrome",
			"jsVersion":       "13.1",
		}, nil, nil
	case "Browser.close", "Target.setDiscoverTargets":
		return obj{}, nil, nil
	case "Target.getTargets":
		var infos []obj
		for _, pg := range fb.pages {
			infos = append(infos, pg.info())
		}
		return obj{"targetInfos": infos}, nil, nil
	case "Target.createTarget":
		return obj{"targetId": fb.newPage(str(p, "url")).id}, nil, nil
	case "Target.attachToTarget":
		pg := fb.page(str(p, "targetId"))
		if pg == nil {
			return nil, nil, &fakeError{Code: -32602, Message: "No target with given id found"}
		}
		fb.nextID++
		sid := fmt.Sprintf("S%d", fb.nextID)
		fb.sessions[sid] = pg
		return obj{"sessionId": sid}, nil, nil
	case "Target.getTargetInfo":
		pg := fb.page(str(p, "targetId"))
		if pg == nil {
			return nil, nil, &fakeError{Code: -32602, Message: "No target with given id found"}
		}
		return obj{"targetInfo": pg.info()}, nil, nil
	}

	if req.SessionID == "" {
		return nil, nil, notFound(req.Method)
	}
	pg := fb.sessions[req.SessionID]
	if pg == nil || fb.page(pg.id) == nil {
		return nil, nil, &fakeError{Code: -32001, Message: "Session with given id not found."}
	}
	return fb.pageCommand(pg, req.SessionID, req.Method, p)
}

func (fb *fakeBrowser) page(id string) *fakePage {
	for _, pg := range fb.pages {
		if pg.id == id {
			return pg
		}
	}
	return nil
}

func (fb *fakeBrowser) pageCommand(pg *fakePage, sid, method string, p obj) (interface{}, []obj, *fakeError) {
	switch method {
	case "Page.enable", "Page.setLifecycleEventsEnabled", "DOM.enable", "Runtime.enable", "Runtime.releaseObject":
		return obj{}, nil, nil

	case "Page.navigate":
		urlstr := str(p, "url")
		frameID := "F" + pg.id
		if i := strings.Index(urlstr, "#"); i != -1 && urlstr[:i] == strings.SplitN(pg.url, "#", 2)[0] {
			pg.url = urlstr
			return obj{"frameId": frameID}, nil, nil
		}
		fb.nextID++
		loaderID := fmt.Sprintf("L%d", fb.nextID)
		html, ok := fb.site[urlstr]
		if urlstr == "about:blank" {
			html, ok = blankHTML, true
		}
		if !ok {
			return obj{"frameId": frameID, "loaderId": loaderID, "errorText": "net::ERR_NAME_NOT_RESOLVED"}, nil, nil
		}
		pg.load(urlstr, html)
		if strings.Contains(urlstr, "/hang") {
			return obj{"frameId": frameID, "loaderId": loaderID}, nil, nil
		}
		lifecycle := func(name, loader string) obj {
			return obj{
				"method":    "Page.lifecycleEvent",
				"sessionId": sid,
				"params": obj{
					"frameId":   frameID,
					"loaderId":  loader,
					"name":      name,
					"timestamp": float64(time.Now().UnixNano()) / 1e9,
				},
			}
		}
		return obj{"frameId": frameID, "loaderId": loaderID}, []obj{
			lifecycle("load", "stale-loader"),
			lifecycle("init", loaderID),
			lifecycle("DOMContentLoaded", loaderID),
			lifecycle("load", loaderID),
		}, nil

	case "DOM.getDocument":
		return obj{"root": obj{
			"nodeId":         1,
			"backendNodeId":  1,
			"nodeType":       9,
			"nodeName":       "#document",
			"localName":      "",
			"nodeValue":      "",
			"childNodeCount": 1,
		}}, nil, nil

	case "DOM.querySelector":
		sel := pg.doc.Find(str(p, "selector")).First()
		if sel.Length() == 0 {
			return obj{"nodeId": 0}, nil, nil
		}
		id := int64(len(pg.nodes) + 2)
		pg.nodes[id] = sel
		return obj{"nodeId": id}, nil, nil

	case "DOM.getOuterHTML":
		id := num(p, "nodeId")
		if id == 1 {
			html, err := pg.doc.Html()
			if err != nil {
				return nil, nil, &fakeError{Code: -32000, Message: err.Error()}
			}
			return obj{"outerHTML": html}, nil, nil
		}
		sel := pg.nodes[id]
		if sel == nil {
			return nil, nil, &fakeError{Code: -32000, Message: "Could not find node with given id"}
		}
		html, _ := goquery.OuterHtml(sel)
		return obj{"outerHTML": html}, nil, nil

	case "DOM.resolveNode":
		id := num(p, "nodeId")
		sel := pg.nodes[id]
		if sel == nil {
			return nil, nil, &fakeError{Code: -32000, Message: "No node with given id found"}
		}
		objectID := fmt.Sprintf("O%d", id)
		pg.objects[objectID] = sel
		return obj{"object": obj{
			"type":      "object",
			"subtype":   "node",
			"className": "HTMLElement",
			"objectId":  objectID,
		}}, nil, nil

	case "Runtime.callFunctionOn":
		sel := pg.objects[str(p, "objectId")]
		if sel == nil {
			return nil, nil, &fakeError{Code: -32000, Message: "Could not find object with given id"}
		}
		c := sel.Clone()
		c.Find("script,style").Remove()
		return obj{"result": obj{"type": "string", "value": strings.TrimSpace(c.Text())}}, nil, nil

	case "Runtime.evaluate":
		switch expr := str(p, "expression"); expr {
		case "document.title":
			return obj{"result": obj{"type": "string", "value": pg.doc.Find("title").First().Text()}}, nil, nil
		case "1+2":
			return obj{"result": obj{"type": "number", "value": 3, "description": "3"}}, nil, nil
		case "undefined":
			return obj{"result": obj{"type": "undefined"}}, nil, nil
		case "throw":
			return obj{
				"result": obj{"type": "object", "subtype": "error", "description": "Error: boom"},
				"exceptionDetails": obj{
					"exceptionId":  1,
					"text":         "Uncaught",
					"lineNumber":   0,
					"columnNumber": 6,
				},
			}, nil, nil
		}
	}
	return nil, nil, notFound(method)
}

// fakeChrome writes an executable script that behaves like a browser binary:
// it records its pid and arguments in dir, prints the DevTools banner for
// wsURL (when not empty) on stderr, and stays alive until killed.
func fakeChrome(t *testing.T, wsURL string) (path, dir string) {
	t.Helper()
	skipNoShell(t)
	dir = t.TempDir()
	banner := ""
	if wsURL != "" {
		banner = fmt.Sprintf("echo 'DevTools listening on %s' >&2", wsURL)
	}
	return writeScript(t, dir, fmt.Sprintf(`case "$1" in --version) echo "FakeChrome 131.0.6778.204"; exit 0;; esac
echo $$ > %[1]s/pid
echo "$@" > %[1]s/args
echo "[0101/000000.000000:WARNING:fake] starting" >&2
%[2]s
exec sleep 60
`, dir, banner)), dir
}

func skipNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake browser script needs a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "chrome")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// readArgs returns the flags the fake browser was started with, keyed by
// name.
func readArgs(t *testing.T, dir string) map[string]string {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join(dir, "args"))
	if err != nil {
		t.Fatal(err)
	}
	args := make(map[string]string)
	for _, f := range strings.Fields(string(buf)) {
		name, value, _ := strings.Cut(strings.TrimPrefix(f, "--"), "=")
		args[name] = value
	}
	return args
}

func readPid(t *testing.T, dir string) int {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join(dir, "pid"))
	if err != nil {
		t.Fatal(err)
	}
	var pid int
	if _, err := fmt.Sscan(string(buf), &pid); err != nil {
		t.Fatal(err)
	}
	return pid
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// testOpts keeps tests quiet and quick.
func testOpts(t *testing.T, opts ...SessionOption) []SessionOption {
	return append([]SessionOption{
		WithLogf(t.Logf),
		WithConnectTimeout(5 * time.Second),
		WithNavigateTimeout(5 * time.Second),
		WithCommandTimeout(5 * time.Second),
		WithCloseTimeout(300 * time.Millisecond),
		WithSystemFallback(false),
	}, opts...)
}

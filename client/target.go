package client

import (
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// TargetType are the types of targets available in Chrome.
type TargetType string

// TargetType values.
const (
	BackgroundPage TargetType = "background_page"
	Browser        TargetType = "browser"
	IFrame         TargetType = "iframe"
	Other          TargetType = "other"
	Page           TargetType = "page"
	ServiceWorker  TargetType = "service_worker"
	SharedWorker   TargetType = "shared_worker"
	Tab            TargetType = "tab"
	Worker         TargetType = "worker"
)

// String satisfies stringer.
func (tt TargetType) String() string {
	return string(tt)
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (tt TargetType) MarshalEasyJSON(out *jwriter.Writer) {
	out.String(string(tt))
}

// MarshalJSON satisfies json.Marshaler.
func (tt TargetType) MarshalJSON() ([]byte, error) {
	return easyjson.Marshal(tt)
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler. Types unknown to this
// package are kept verbatim, since browsers add new ones over time.
func (tt *TargetType) UnmarshalEasyJSON(in *jlexer.Lexer) {
	*tt = TargetType(in.String())
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (tt *TargetType) UnmarshalJSON(buf []byte) error {
	return easyjson.Unmarshal(buf, tt)
}

// Target is an entry of the /json/list endpoint.
type Target struct {
	ID                   string     `json:"id"`
	Type                 TargetType `json:"type"`
	Title                string     `json:"title"`
	URL                  string     `json:"url"`
	Description          string     `json:"description,omitempty"`
	DevtoolsFrontendURL  string     `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string     `json:"webSocketDebuggerUrl,omitempty"`
}

// String satisfies stringer.
func (t *Target) String() string {
	return fmt.Sprintf("%s %s (%s)", t.Type, t.ID, t.URL)
}

// VersionInfo is the response of the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

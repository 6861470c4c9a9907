package cdpscript

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrorType classifies a validation error.
type ErrorType string

// ErrorType values.
const (
	MissingField     ErrorType = "missing_field"
	InvalidValue     ErrorType = "invalid_value"
	UnknownCommand   ErrorType = "unknown_command"
	MissingParameter ErrorType = "missing_parameter"
	TypeMismatch     ErrorType = "type_mismatch"
)

// ValidationError is a problem found at one location of a script.
type ValidationError struct {
	Type ErrorType `json:"error_type"`

	// Command is the 0-based index of the offending command, or -1 for
	// script level fields.
	Command int `json:"command_index"`

	// Location is the field path, such as cdp_commands[0].params.url.
	Location string `json:"location"`

	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`

	err error
}

// Error satisfies the error interface.
func (e *ValidationError) Error() string {
	return e.Location + ": " + e.Message
}

// Unwrap returns the sentinel error matching the problem.
func (e *ValidationError) Unwrap() error {
	return e.err
}

// ValidationResult holds every problem found in a script. Warnings do not
// prevent the script from running.
type ValidationResult struct {
	Errors   []*ValidationError `json:"errors"`
	Warnings []string           `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err joins the errors, or returns nil for a valid script.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) fail(e *ValidationError) {
	r.Errors = append(r.Errors, e)
}

func (r *ValidationResult) warn(format string, v ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, v...))
}

// schema describes the params of a supported command, read from the
// cdproto params type.
type schema struct {
	typ      reflect.Type
	required []string
	fields   map[string]reflect.Type
}

// schemas maps each supported method to the params type it takes.
var schemas = newSchemas(map[string]easyjson.Unmarshaler{
	"Browser.getVersion": new(browser.GetVersionParams),

	"DOM.enable":           new(dom.EnableParams),
	"DOM.getDocument":      new(dom.GetDocumentParams),
	"DOM.getOuterHTML":     new(dom.GetOuterHTMLParams),
	"DOM.querySelector":    new(dom.QuerySelectorParams),
	"DOM.querySelectorAll": new(dom.QuerySelectorAllParams),

	"Emulation.clearGeolocationOverride": new(emulation.ClearGeolocationOverrideParams),
	"Emulation.setDeviceMetricsOverride": new(emulation.SetDeviceMetricsOverrideParams),
	"Emulation.setGeolocationOverride":   new(emulation.SetGeolocationOverrideParams),
	"Emulation.setUserAgentOverride":     new(emulation.SetUserAgentOverrideParams),

	"Input.dispatchKeyEvent":   new(input.DispatchKeyEventParams),
	"Input.dispatchMouseEvent": new(input.DispatchMouseEventParams),
	"Input.insertText":         new(input.InsertTextParams),

	"Network.clearBrowserCookies": new(network.ClearBrowserCookiesParams),
	"Network.deleteCookies":       new(network.DeleteCookiesParams),
	"Network.enable":              new(network.EnableParams),
	"Network.getCookies":          new(network.GetCookiesParams),
	"Network.setCookie":           new(network.SetCookieParams),
	"Network.setExtraHTTPHeaders": new(network.SetExtraHTTPHeadersParams),

	"Page.bringToFront":           new(page.BringToFrontParams),
	"Page.captureScreenshot":      new(page.CaptureScreenshotParams),
	"Page.enable":                 new(page.EnableParams),
	"Page.getFrameTree":           new(page.GetFrameTreeParams),
	"Page.getNavigationHistory":   new(page.GetNavigationHistoryParams),
	"Page.navigate":               new(page.NavigateParams),
	"Page.navigateToHistoryEntry": new(page.NavigateToHistoryEntryParams),
	"Page.reload":                 new(page.ReloadParams),
	"Page.stopLoading":            new(page.StopLoadingParams),

	"Runtime.callFunctionOn": new(runtime.CallFunctionOnParams),
	"Runtime.enable":         new(runtime.EnableParams),
	"Runtime.evaluate":       new(runtime.EvaluateParams),
	"Runtime.getProperties":  new(runtime.GetPropertiesParams),
	"Runtime.releaseObject":  new(runtime.ReleaseObjectParams),

	"Target.activateTarget": new(target.ActivateTargetParams),
	"Target.closeTarget":    new(target.CloseTargetParams),
	"Target.createTarget":   new(target.CreateTargetParams),
	"Target.getTargets":     new(target.GetTargetsParams),
})

func newSchemas(params map[string]easyjson.Unmarshaler) map[string]*schema {
	m := make(map[string]*schema, len(params))
	for method, p := range params {
		typ := reflect.TypeOf(p).Elem()
		sc := &schema{typ: typ, fields: make(map[string]reflect.Type)}
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
			if !f.IsExported() || name == "" || name == "-" {
				continue
			}
			sc.fields[name] = f.Type
			if !strings.Contains(opts, "omitempty") {
				sc.required = append(sc.required, name)
			}
		}
		m[method] = sc
	}
	return m
}

// Methods returns the supported methods, sorted.
func Methods() []string {
	methods := maps.Keys(schemas)
	slices.Sort(methods)
	return methods
}

// Check validates the whole script, collecting every error and warning
// instead of stopping at the first.
func (s *Script) Check() *ValidationResult {
	r := new(ValidationResult)
	switch {
	case s.Name == "":
		r.fail(&ValidationError{
			Type:       MissingField,
			Command:    -1,
			Location:   "name",
			Message:    "script name is required",
			Suggestion: "add a descriptive name for the script",
			err:        ErrNoName,
		})
	case strings.IndexFunc(s.Name, badNameRune) >= 0:
		r.warn("script name %q should only contain letters, digits, hyphens and underscores", s.Name)
	}
	if s.Description == "" {
		r.warn("script description is empty")
	}
	if len(s.Commands) == 0 {
		r.fail(&ValidationError{
			Type:       MissingField,
			Command:    -1,
			Location:   "cdp_commands",
			Message:    "script must contain at least one command",
			Suggestion: "add at least one CDP command",
			err:        ErrNoCommands,
		})
		return r
	}
	for i, cmd := range s.Commands {
		checkCommand(r, i, cmd)
	}
	return r
}

func badNameRune(c rune) bool {
	return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' && c != '_'
}

func checkCommand(r *ValidationResult, i int, cmd Command) {
	prefix := fmt.Sprintf("cdp_commands[%d]", i)
	domain, method, ok := strings.Cut(cmd.Method, ".")
	switch {
	case cmd.Method == "":
		r.fail(&ValidationError{
			Type:       MissingField,
			Command:    i,
			Location:   prefix + ".method",
			Message:    fmt.Sprintf("command %d has no method", i+1),
			Suggestion: "specify a method in Domain.method format",
			err:        ErrBadMethod,
		})
		return
	case !ok || domain == "" || method == "":
		r.fail(&ValidationError{
			Type:       InvalidValue,
			Command:    i,
			Location:   prefix + ".method",
			Message:    fmt.Sprintf("command %d has invalid method %q", i+1, cmd.Method),
			Suggestion: "use a method such as Page.navigate or Runtime.evaluate",
			err:        ErrBadMethod,
		})
		return
	}

	sc, ok := schemas[cmd.Method]
	if !ok {
		r.fail(&ValidationError{
			Type:       UnknownCommand,
			Command:    i,
			Location:   prefix + ".method",
			Message:    fmt.Sprintf("unknown command %s", cmd.Method),
			Suggestion: suggest(domain),
			err:        ErrUnknownCommand,
		})
		return
	}

	for _, name := range sc.required {
		if _, ok := cmd.Params[name]; !ok {
			r.fail(&ValidationError{
				Type:       MissingParameter,
				Command:    i,
				Location:   prefix + ".params." + name,
				Message:    fmt.Sprintf("%s requires parameter %q", cmd.Method, name),
				Suggestion: fmt.Sprintf("add the %q parameter", name),
				err:        ErrMissingParam,
			})
		}
	}

	names := maps.Keys(cmd.Params)
	slices.Sort(names)
	for _, name := range names {
		value := cmd.Params[name]
		ft, known := sc.fields[name]
		switch {
		case !known:
			r.warn("command %d (%s) has unknown parameter %q, passed through as is", i+1, cmd.Method, name)
			continue
		case value == nil:
			continue
		}
		if err := decodeParam(sc.typ, name, value); err != nil {
			want, got := jsonKind(ft), valueKind(value)
			e := &ValidationError{
				Command:  i,
				Location: prefix + ".params." + name,
				err:      ErrParamType,
			}
			if want == got {
				e.Type = InvalidValue
				e.Message = fmt.Sprintf("%s parameter %q has an invalid value: %v", cmd.Method, name, err)
				e.Suggestion = fmt.Sprintf("check the allowed values of %q", name)
			} else {
				e.Type = TypeMismatch
				e.Message = fmt.Sprintf("%s parameter %q has the wrong type (expected %s, got %s)", cmd.Method, name, want, got)
				e.Suggestion = fmt.Sprintf("change %q to be a %s", name, want)
			}
			r.fail(e)
		}
	}
}

// decodeParam decodes {name: value} into a fresh params value of typ.
func decodeParam(typ reflect.Type, name string, value interface{}) error {
	buf, err := json.Marshal(map[string]interface{}{name: value})
	if err != nil {
		return err
	}
	return easyjson.Unmarshal(buf, reflect.New(typ).Interface().(easyjson.Unmarshaler))
}

// jsonKind names the JSON type a params field decodes from.
func jsonKind(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	}
	return "object"
}

// valueKind names the JSON type of a decoded script value.
func valueKind(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, uint64, float64:
		return "number"
	case []interface{}:
		return "array"
	}
	return "object"
}

// suggest lists the supported methods of domain, or the supported domains
// when domain has none.
func suggest(domain string) string {
	var same, domains []string
	for _, m := range Methods() {
		d, _, _ := strings.Cut(m, ".")
		if d == domain {
			same = append(same, m)
		}
		if len(domains) == 0 || domains[len(domains)-1] != d {
			domains = append(domains, d)
		}
	}
	if len(same) > 0 {
		return "supported " + domain + " commands: " + strings.Join(same, ", ")
	}
	return "supported domains: " + strings.Join(domains, ", ")
}

package webdriver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// ErrUndefined is returned when an evaluation result is undefined but a value
// was requested.
var ErrUndefined = errors.New("encountered an undefined value")

// Evaluate evaluates the Javascript expression in the page, unmarshaling the
// result to res.
//
// When res is nil, the script result will be ignored.
//
// When res is a *[]byte, the raw JSON-encoded value of the script
// result will be placed in res.
//
// When res is a **runtime.RemoteObject, res will be set to the low-level
// protocol type, and no attempt will be made to convert the result. The
// caller is responsible for releasing it with runtime.ReleaseObject.
//
// For all other cases, the result of the script will be returned "by value"
// (ie, JSON-encoded), and subsequently an attempt will be made to
// json.Unmarshal the script result to res.
//
// Note: any exception encountered will be returned as an error.
func (t *Target) Evaluate(ctx context.Context, expression string, res interface{}, opts ...EvaluateOption) error {
	p := runtime.Evaluate(expression)
	if _, ok := res.(**runtime.RemoteObject); !ok {
		p = p.WithReturnByValue(true)
	}
	for _, o := range opts {
		p = o(p)
	}

	v, exp, err := p.Do(cdp.WithExecutor(ctx, t))
	if err != nil {
		return err
	}
	if exp != nil {
		return exp
	}
	return parseRemoteObject(v, res)
}

// callFunctionOn calls the function declaration fn with this bound to the
// remote object id, returning its result by value.
func (t *Target) callFunctionOn(ctx context.Context, fn string, id runtime.RemoteObjectID, res interface{}) error {
	v, exp, err := runtime.CallFunctionOn(fn).
		WithObjectID(id).
		WithReturnByValue(true).
		Do(cdp.WithExecutor(ctx, t))
	if err != nil {
		return err
	}
	if exp != nil {
		return exp
	}
	return parseRemoteObject(v, res)
}

func parseRemoteObject(v *runtime.RemoteObject, res interface{}) error {
	if res == nil {
		return nil
	}

	switch x := res.(type) {
	case **runtime.RemoteObject:
		*x = v
		return nil

	case *[]byte:
		*x = v.Value
		return nil
	}

	if v.Type == runtime.TypeUndefined {
		// The unmarshal below would fail with the cryptic
		// "unexpected end of JSON input" error, so try to give
		// a better one here.
		return ErrUndefined
	}

	return json.Unmarshal(v.Value, res)
}

// EvaluateOption is the type for Javascript evaluation options.
type EvaluateOption = func(*runtime.EvaluateParams) *runtime.EvaluateParams

// EvalAwaitPromise is an evaluate option that waits for a returned promise
// to settle and uses its value.
func EvalAwaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// EvalIgnoreExceptions is a evaluate option that will cause Javascript
// evaluation to ignore exceptions.
func EvalIgnoreExceptions(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithSilent(true)
}

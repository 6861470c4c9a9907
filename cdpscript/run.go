package cdpscript

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mailru/easyjson"
)

// RawExecutor runs one CDP method with encoded params. *webdriver.Target
// satisfies it.
type RawExecutor interface {
	ExecuteRaw(ctx context.Context, method string, params easyjson.RawMessage) (easyjson.RawMessage, error)
}

// Status is the outcome of one step.
type Status string

// Status values.
const (
	Success Status = "success"
	Failed  Status = "failed"
)

// StepResult is the outcome of one command.
type StepResult struct {
	// Step is 1-indexed.
	Step      int             `json:"step"`
	Method    string          `json:"method"`
	Status    Status          `json:"status"`
	Duration  time.Duration   `json:"duration"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	SavedFile string          `json:"saved_file,omitempty"`
}

// Report is the outcome of a script run.
type Report struct {
	ScriptName    string        `json:"script_name"`
	TotalCommands int           `json:"total_commands"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
	Results       []StepResult  `json:"results"`
}

func (r *Report) add(res StepResult) {
	r.TotalDuration += res.Duration
	switch res.Status {
	case Success:
		r.Successful++
	case Failed:
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

// Success reports whether every command of the script succeeded.
func (r *Report) Success() bool {
	return r.Failed == 0 && r.Successful == r.TotalCommands
}

// SuccessRate is the percentage of the script's commands that succeeded.
func (r *Report) SuccessRate() float64 {
	if r.TotalCommands == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.TotalCommands) * 100
}

// Run validates s and executes its commands in order on x, stopping at the
// first failing command. Command failures are recorded in the report; the
// returned error is only set when the script is invalid or ctx is done.
func Run(ctx context.Context, x RawExecutor, s *Script) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	report := &Report{
		ScriptName:    s.Name,
		TotalCommands: len(s.Commands),
		Results:       make([]StepResult, 0, len(s.Commands)),
	}
	for i, cmd := range s.Commands {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := runCommand(ctx, x, cmd)
		res.Step = i + 1
		report.add(res)
		if res.Status == Failed {
			break
		}
	}
	return report, nil
}

func runCommand(ctx context.Context, x RawExecutor, cmd Command) StepResult {
	start := time.Now()
	res := StepResult{Method: cmd.Method, Status: Failed}

	var params []byte
	if len(cmd.Params) > 0 {
		var err error
		if params, err = json.Marshal(cmd.Params); err != nil {
			res.Error = fmt.Sprintf("could not encode params: %v", err)
			res.Duration = time.Since(start)
			return res
		}
	}
	out, err := x.ExecuteRaw(ctx, cmd.Method, params)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Response = json.RawMessage(out)

	if cmd.SaveAs != "" {
		if err := save(cmd.SaveAs, out); err != nil {
			res.Error = err.Error()
			return res
		}
		res.SavedFile = cmd.SaveAs
	}
	res.Status = Success
	return res
}

// save writes a response to path. Responses carrying base64 "data", such as
// Page.captureScreenshot and Page.printToPDF, are written decoded.
func save(path string, out []byte) error {
	var payload struct {
		Data string `json:"data"`
	}
	buf := out
	if err := json.Unmarshal(out, &payload); err == nil && payload.Data != "" {
		if data, err := base64.StdEncoding.DecodeString(payload.Data); err == nil {
			buf = data
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("could not save response: %w", err)
	}
	return nil
}

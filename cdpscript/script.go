// Package cdpscript loads and runs scripts of raw Chrome DevTools Protocol
// commands, written as JSON or YAML.
package cdpscript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a script encoding.
type Format string

// Format values.
const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// Validation errors.
var (
	ErrNoName     = errors.New("script name cannot be empty")
	ErrNoCommands = errors.New("script must contain at least one command")
	ErrBadMethod  = errors.New("method must be in Domain.method format")

	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingParam   = errors.New("missing required parameter")
	ErrParamType      = errors.New("invalid parameter")
)

// Script is a named sequence of CDP commands.
type Script struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Created     string    `json:"created,omitempty" yaml:"created,omitempty"`
	Author      string    `json:"author,omitempty" yaml:"author,omitempty"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Commands    []Command `json:"cdp_commands" yaml:"cdp_commands"`
}

// Command is one CDP method call.
type Command struct {
	Method string                 `json:"method" yaml:"method"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// SaveAs names a file receiving the command's response.
	SaveAs      string `json:"save_as,omitempty" yaml:"save_as,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Load reads the script at path. The format follows the file extension:
// .yaml and .yml are YAML, anything else is JSON.
func Load(path string) (*Script, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := JSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = YAML
	}
	s, err := Parse(buf, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a script. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Script, error) {
	s := new(Script)
	switch format {
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			return nil, err
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown script format %q", format)
	}
	return s, nil
}

// Marshal encodes the script.
func (s *Script) Marshal(format Format) ([]byte, error) {
	switch format {
	case JSON:
		return json.MarshalIndent(s, "", "  ")
	case YAML:
		return yaml.Marshal(s)
	}
	return nil, fmt.Errorf("unknown script format %q", format)
}

// Validate checks the script and returns its errors joined, or nil. Use
// Check for locations, suggestions and warnings.
func (s *Script) Validate() error {
	return s.Check().Err()
}

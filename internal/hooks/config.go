// Package hooks runs user-configured shell commands around tool execution.
// Hooks are declared in .nimbus/hooks.yaml, matched by tool name, fed a
// JSON context on stdin, and can block a tool by exiting with status 2.
package hooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Hook events, as they appear as keys in hooks.yaml.
const (
	EventPreToolUse  = "PreToolUse"
	EventPostToolUse = "PostToolUse"
	EventPermission  = "PermissionRequest"
)

var knownEvents = map[string]bool{
	EventPreToolUse:  true,
	EventPostToolUse: true,
	EventPermission:  true,
}

// DefaultTimeoutMS applies when a hook declares no timeout.
const DefaultTimeoutMS = 30000

// Hook is one configured command.
type Hook struct {
	// Match is a regular expression applied to the tool name.
	Match string `yaml:"match"`

	// Command is run via sh -c.
	Command string `yaml:"command"`

	// TimeoutMS bounds the command's runtime in milliseconds.
	TimeoutMS int `yaml:"timeout"`
}

// Config is the parsed hooks file.
type Config struct {
	Hooks map[string][]Hook `yaml:"hooks"`
}

// DefaultConfigPath is the conventional hooks file location relative to
// the working directory.
const DefaultConfigPath = ".nimbus/hooks.yaml"

// LoadConfig reads and validates a hooks file. A missing file is not an
// error; it yields an empty config. Unknown fields, unknown events, bad
// regular expressions, and empty commands are load errors that name the
// file and hook position.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Hooks: map[string][]Hook{}}, nil
		}
		return nil, fmt.Errorf("read hooks config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &Config{Hooks: map[string][]Hook{}}, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Hooks == nil {
		cfg.Hooks = map[string][]Hook{}
	}

	for event, hookList := range cfg.Hooks {
		if !knownEvents[event] {
			return nil, fmt.Errorf("%s: unknown hook event %q", path, event)
		}
		for i, h := range hookList {
			if h.Command == "" {
				return nil, fmt.Errorf("%s: %s hook %d: command is required", path, event, i)
			}
			if h.Match != "" {
				if _, err := regexp.Compile(h.Match); err != nil {
					return nil, fmt.Errorf("%s: %s hook %d: invalid match pattern: %w", path, event, i, err)
				}
			}
			if h.TimeoutMS < 0 {
				return nil, fmt.Errorf("%s: %s hook %d: timeout must not be negative", path, event, i)
			}
		}
	}

	return &cfg, nil
}

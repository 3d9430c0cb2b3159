// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sahilm/fuzzy"
)

var (
	ErrSDKRootNotSet = fmt.Errorf("android sdk root not set (set %s or %s to an existing directory): %w",
		EnvAndroidHome, EnvAndroidSDKRoot, errdefs.ErrFailedPrecondition)
	ErrNoPackages         = fmt.Errorf("no sdk packages installed: %w", errdefs.ErrNotFound)
	ErrNoSupportedPackage = fmt.Errorf("no supported sdk platform package installed: %w", errdefs.ErrNotFound)
)

// ToolFailure classifies why an SDK tool invocation failed.
type ToolFailure string

const (
	ToolMissingPrerequisite ToolFailure = "missing-prerequisite"
	ToolUnsupportedRuntime  ToolFailure = "unsupported-runtime"
	ToolNotFound            ToolFailure = "tool-not-found"
	ToolUnknown             ToolFailure = "unknown"
)

// ToolError is returned when a listing or management tool exits abnormally.
type ToolError struct {
	Tool   string
	Kind   ToolFailure
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	var hint string
	switch e.Kind {
	case ToolMissingPrerequisite:
		hint = "JAVA_HOME is not set or does not point to a JDK"
	case ToolUnsupportedRuntime:
		hint = "the installed Java runtime is too old for this tool"
	case ToolNotFound:
		hint = "tool executable not found; check the SDK command-line tools installation"
	default:
		hint = "unexpected failure"
	}
	msg := fmt.Sprintf("%s: %s", e.Tool, hint)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	var class error = errdefs.ErrUnavailable
	if e.Kind != ToolUnknown {
		class = errdefs.ErrFailedPrecondition
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{e.Err, class}
}

func classifyToolFailure(output string, err error) ToolFailure {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "java_home"):
		return ToolMissingPrerequisite
	case strings.Contains(lower, "unsupportedclassversionerror"),
		strings.Contains(lower, "compiled by a more recent version"):
		return ToolUnsupportedRuntime
	case errors.Is(err, exec.ErrNotFound),
		strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "command not found"):
		return ToolNotFound
	default:
		return ToolUnknown
	}
}

func newToolError(tool string, res Result, err error) *ToolError {
	output := strings.TrimSpace(res.Stderr + "\n" + res.Stdout)
	return &ToolError{Tool: tool, Kind: classifyToolFailure(output+" "+errString(err), err), Output: output, Err: err}
}

// DeviceCommandError is a device-shell command that kept reporting an
// "error:" marker until the retry budget ran out.
type DeviceCommandError struct {
	Serial   string
	Args     []string
	Attempts int
	Output   string
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("adb -s %s %s failed after %d attempt(s):\n%s",
		e.Serial, strings.Join(e.Args, " "), e.Attempts, strings.TrimSpace(e.Output))
}

func (e *DeviceCommandError) Unwrap() error { return errdefs.ErrUnavailable }

// TimeoutError is a boot or power-off wait that exceeded its window.
type TimeoutError struct {
	Op     string
	Target string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s of %s timed out after %s", e.Op, e.Target, e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// NotFoundError is returned when a missing device or package blocks an action.
type NotFoundError struct {
	Kind        string
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return errdefs.ErrNotFound }

const maxSuggestions = 3

func newNotFound(kind, name string, candidates []string) *NotFoundError {
	var suggestions []string
	for _, m := range fuzzy.Find(name, candidates) {
		suggestions = append(suggestions, m.Str)
		if len(suggestions) == maxSuggestions {
			break
		}
	}
	return &NotFoundError{Kind: kind, Name: name, Suggestions: suggestions}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

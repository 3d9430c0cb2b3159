// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Result holds the captured streams of a finished command.
type Result struct {
	Stdout string
	Stderr string
}

// SpawnSpec describes a long-running process to launch detached.
type SpawnSpec struct {
	Name    string
	Args    []string
	Env     []string
	LogPath string
	Stdin   io.Reader
}

// Process identifies a spawned process. It is informational only: liveness
// is always re-derived from the device listing.
type Process struct {
	PID     int
	LogPath string
}

// Runner is the process-execution boundary of the package.
//
// Run returns both captured streams even when the command fails, because
// tools report errors on either stream regardless of their exit status.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	RunInput(ctx context.Context, stdin string, name string, args ...string) (Result, error)
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Env, when LogStderr is set, receives stderr lines as structured events.
	Env       Env
	LogStderr bool
}

var _ Runner = ExecRunner{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.RunInput(ctx, "", name, args...)
}

func (r ExecRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.LogStderr {
		cmd.Stderr = io.MultiWriter(&stderr, newCommandLogWriter(r.Env, name, args))
	}
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return res, nil
}

// Spawn starts spec detached from the current process: it gets its own
// process group and writes straight to its log file, so it survives the
// orchestrator exiting.
func (r ExecRunner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = spec.Stdin
	detach(cmd)

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.Create(spec.LogPath)
		if err != nil {
			return Process{}, fmt.Errorf("open log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return Process{}, fmt.Errorf("%s start: %w", spec.Name, err)
	}
	proc := Process{PID: cmd.Process.Pid, LogPath: spec.LogPath}
	// The child holds its own descriptor for the log file.
	if logFile != nil {
		_ = logFile.Close()
	}
	_ = cmd.Process.Release()
	return proc, nil
}

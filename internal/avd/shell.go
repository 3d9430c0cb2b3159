// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"go.opentelemetry.io/otel/attribute"
)

// errorMarker flags a failed adb invocation. adb reports success on stderr
// and failures with a zero exit status often enough that neither the exit
// code nor the stream can be trusted on its own.
const errorMarker = "error:"

var errMarkerSeen = errors.New("error marker in adb output")

// Shell runs `adb -s <serial> <args>` with bounded retries. Every device
// interaction goes through it.
//
// Calls for one device must be serialized by the caller.
type Shell struct {
	env     Env
	tools   *Toolchain
	runner  Runner
	retries int
	delay   time.Duration
}

func NewShell(env Env, tools *Toolchain, runner Runner) *Shell {
	return &Shell{
		env:     env,
		tools:   tools,
		runner:  runner,
		retries: env.Settings.commandRetries(),
		delay:   env.Settings.retryDelay(),
	}
}

// Exec runs args against serial with the configured retry budget and returns
// stdout of the first attempt whose output carries no error marker.
func (s *Shell) Exec(ctx context.Context, serial string, args ...string) (string, error) {
	return s.ExecWithRetries(ctx, serial, s.retries, args...)
}

// ExecWithRetries is Exec with an explicit number of retries; the command
// runs at most retries+1 times.
func (s *Shell) ExecWithRetries(ctx context.Context, serial string, retries int, args ...string) (string, error) {
	adb, err := s.tools.ADBPath()
	if err != nil {
		return "", err
	}
	ctx, span := startSpanContext(ctx, s.env, "avd.Shell.Exec",
		attribute.String("serial", serial),
		attribute.String("command", strings.Join(args, " ")),
	)
	defer span.End()

	var (
		attempts   int
		stdout     string
		fatal      error
		transcript strings.Builder
	)
	fullArgs := append([]string{"-s", serial}, args...)
	operation := func() error {
		attempts++
		res, runErr := s.runner.Run(ctx, adb, fullArgs...)
		if isMissingExecutable(runErr) {
			fatal = newToolError("adb", res, runErr)
			return nil
		}
		combined := strings.TrimSpace(strings.Join([]string{errString(runErr), res.Stderr, res.Stdout}, "\n"))
		if strings.Contains(strings.ToLower(combined), errorMarker) {
			fmt.Fprintf(&transcript, "[attempt %d]\n%s\n", attempts, combined)
			return errMarkerSeen
		}
		stdout = res.Stdout
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.delay), uint64(retries))
	}
	err = backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(_ error, wait time.Duration) {
		logEvent(s.env, "adb command failed, retrying",
			"serial", serial, "args", strings.Join(args, " "), "attempt", attempts, "wait", wait)
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	switch {
	case fatal != nil:
		recordSpanError(span, fatal)
		return "", fatal
	case err == nil:
		return stdout, nil
	case ctx.Err() != nil:
		err = fmt.Errorf("adb -s %s %s: %w", serial, strings.Join(args, " "), ctx.Err())
		recordSpanError(span, err)
		return "", err
	}
	derr := &DeviceCommandError{Serial: serial, Args: args, Attempts: attempts, Output: transcript.String()}
	recordSpanError(span, derr)
	return "", derr
}

func isMissingExecutable(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

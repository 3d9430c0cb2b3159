// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuctl/internal/version"
)

const writableSystemFlag = "-writable-system"

// headlessArgs keep a CI emulator away from the display, audio and
// telemetry.
var headlessArgs = []string{
	"-no-window",
	"-no-boot-anim",
	"-no-audio",
	"-no-metrics",
	"-no-location-ui",
	"-gpu", "swiftshader_indirect",
}

// verificationAPILevel is the first platform whose boot verification blocks
// a persistent writable /system.
var verificationAPILevel = version.MustParse("29")

var errNotReady = errors.New("not ready")

// Boot stages reported by WaitForBootWithProgress.
const (
	BootStageWaitingDevice = "waiting_device"
	BootStageChecking      = "checking_boot_completed"
	BootStageComplete      = "boot_complete"
)

// BootProgressFunc receives each boot stage with the time spent so far.
type BootProgressFunc func(stage string, elapsed time.Duration)

type StartOptions struct {
	// Writable boots with a writable /system. A running emulator without it
	// is restarted.
	Writable    bool
	WaitForBoot bool
	Headless    bool
	// Port pins the console port; zero allocates the next free one.
	Port      int
	ExtraArgs []string
}

// Start makes sure the AVD name (id or display name) is running and
// returns its console port. An emulator that already runs in the requested
// mode is left untouched.
func (c *Controller) Start(ctx context.Context, name string, opts StartOptions) (int, error) {
	ctx, span := startSpanContext(ctx, c.env, "avd.Start",
		attribute.String("name", name),
		attribute.Bool("writable", opts.Writable),
		attribute.Bool("wait_for_boot", opts.WaitForBoot),
	)
	defer span.End()

	id, err := c.ResolveDeviceID(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	port, running, err := c.Ports.FindPortForName(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	if running {
		if !opts.Writable || c.IsSystemWritable(ctx, port) {
			span.SetAttributes(attribute.Int("port", port), attribute.Bool("already_running", true))
			logEvent(c.env, "emulator already running", "name", id, "port", port)
			if opts.WaitForBoot {
				if err := c.WaitForBoot(ctx, port); err != nil {
					recordSpanError(span, err)
					return 0, err
				}
			}
			return port, nil
		}
		logEvent(c.env, "emulator restart for writable system", "name", id, "port", port)
		if err := c.Stop(ctx, port, true); err != nil {
			recordSpanError(span, err)
			return 0, err
		}
	}

	port = opts.Port
	if port == 0 {
		if port, err = c.Ports.AllocateNextPort(ctx); err != nil {
			recordSpanError(span, err)
			return 0, err
		}
	} else if err := checkConsolePort(port); err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("port", port), attribute.String("serial", Serial(port)))

	emulator, err := c.Tools.EmulatorPath()
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	args := []string{"-avd", id, "-port", strconv.Itoa(port)}
	if opts.Writable {
		args = append(args, writableSystemFlag)
	}
	if opts.Headless || c.env.Settings.Headless {
		args = append(args, headlessArgs...)
	}
	args = append(args, c.env.Settings.EmulatorArgs...)
	args = append(args, opts.ExtraArgs...)
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("emulator-%s-%d.log", id, port))

	logEvent(c.env, "emulator start requested", "name", id, "port", port, "writable", opts.Writable, "log_path", logPath)
	proc, err := c.runner.Spawn(ctx, SpawnSpec{
		Name:    emulator,
		Args:    args,
		Env:     []string{"QEMU_FILE_LOCKING=off"},
		LogPath: logPath,
	})
	if err != nil {
		recordSpanError(span, err)
		logEvent(c.env, "emulator start failed", "name", id, "port", port, "error", err, "log_path", logPath)
		return 0, fmt.Errorf("start %s: %w", id, err)
	}
	span.SetAttributes(attribute.Int("pid", proc.PID))
	logEvent(c.env, "emulator started", "name", id, "port", port, "serial", Serial(port), "pid", proc.PID)

	if opts.WaitForBoot {
		if err := c.WaitForBoot(ctx, port); err != nil {
			recordSpanError(span, err)
			return 0, err
		}
	}
	return port, nil
}

// checkConsolePort validates an explicitly requested console port. The
// emulator also binds port+1 for adb.
func checkConsolePort(port int) error {
	if port%2 != 0 {
		return fmt.Errorf("port %d is odd; emulator requires even port numbers (uses port and port+1): %w",
			port, errdefs.ErrInvalidArgument)
	}
	if port < MinConsolePort || port > MaxConsolePort {
		return fmt.Errorf("port %d out of valid range (%d-%d): %w",
			port, MinConsolePort, MaxConsolePort, errdefs.ErrInvalidArgument)
	}
	if !isPortFree(port) || !isPortFree(port+1) {
		return fmt.Errorf("port %d or %d already in use: %w", port, port+1, errdefs.ErrUnavailable)
	}
	return nil
}

func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Stop powers the emulator on port down. With waitForPowerOff it returns
// once adb no longer lists the port and the settle delay has passed.
func (c *Controller) Stop(ctx context.Context, port int, waitForPowerOff bool) error {
	serial := Serial(port)
	ctx, span := startSpanContext(ctx, c.env, "avd.Stop",
		attribute.Int("port", port),
		attribute.String("serial", serial),
	)
	defer span.End()

	logEvent(c.env, "emulator stop requested", "serial", serial, "port", port)
	if _, err := c.Shell.Exec(ctx, serial, "emu", "kill"); err != nil {
		recordSpanError(span, err)
		return err
	}
	if !waitForPowerOff {
		return nil
	}

	timeout := c.env.Settings.bootTimeout()
	err := c.pollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		ports, err := c.Ports.ActivePorts(ctx)
		if err != nil {
			return false, err
		}
		return !slices.Contains(ports, port), nil
	})
	if err != nil {
		err = c.waitError(ctx, err, "power-off", serial, timeout)
		recordSpanError(span, err)
		return err
	}
	if err := sleepContext(ctx, c.env.Settings.powerOffSettle()); err != nil {
		return err
	}
	logEvent(c.env, "emulator stopped", "serial", serial, "port", port)
	return nil
}

// Reboot restarts the device on port, optionally waiting until it has
// booted again.
func (c *Controller) Reboot(ctx context.Context, port int, waitForBoot bool) error {
	serial := Serial(port)
	ctx, span := startSpanContext(ctx, c.env, "avd.Reboot",
		attribute.Int("port", port),
		attribute.String("serial", serial),
	)
	defer span.End()

	logEvent(c.env, "emulator reboot requested", "serial", serial)
	if _, err := c.Shell.Exec(ctx, serial, "reboot"); err != nil {
		recordSpanError(span, err)
		return err
	}
	if !waitForBoot {
		return nil
	}
	c.awaitBootReset(ctx, serial)
	if err := c.WaitForBoot(ctx, port); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// awaitBootReset waits, at most the reboot grace, for the device to drop
// its pre-reboot sys.boot_completed.
func (c *Controller) awaitBootReset(ctx context.Context, serial string) {
	grace := c.env.Settings.rebootGrace()
	err := c.pollUntil(ctx, grace, func(ctx context.Context) (bool, error) {
		booted, err := c.bootCompleted(ctx, serial, 0)
		return err != nil || !booted, nil
	})
	if err != nil {
		logEvent(c.env, "reboot not observed", "serial", serial, "grace", grace)
	}
}

// WaitForBoot blocks until the emulator on port reports a completed boot
// or the boot timeout passes.
func (c *Controller) WaitForBoot(ctx context.Context, port int) error {
	return c.WaitForBootWithProgress(ctx, Serial(port), 0, nil)
}

// WaitForBootWithProgress waits for serial to appear in adb and report
// sys.boot_completed=1. A zero timeout uses the configured boot timeout.
func (c *Controller) WaitForBootWithProgress(ctx context.Context, serial string, timeout time.Duration, progress BootProgressFunc) error {
	if timeout <= 0 {
		timeout = c.env.Settings.bootTimeout()
	}
	ctx, span := startSpanContext(ctx, c.env, "avd.WaitForBoot",
		attribute.String("serial", serial),
		attribute.String("timeout", timeout.String()),
	)
	defer span.End()

	started := time.Now()
	report := func(stage string) {
		if progress != nil {
			progress(stage, time.Since(started))
		}
	}
	deadline := started.Add(timeout)

	report(BootStageWaitingDevice)
	err := c.pollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		ports, err := c.Ports.ActivePorts(ctx)
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(ports, func(p int) bool { return Serial(p) == serial }), nil
	})
	if err == nil {
		report(BootStageChecking)
		err = c.pollUntil(ctx, time.Until(deadline), func(ctx context.Context) (bool, error) {
			return c.bootCompleted(ctx, serial, c.env.Settings.commandRetries())
		})
	}
	if err != nil {
		err = c.waitError(ctx, err, "boot", serial, timeout)
		logEvent(c.env, "wait for boot failed", "serial", serial, "timeout", timeout, "error", err)
		recordSpanError(span, err)
		return err
	}
	report(BootStageComplete)
	span.SetAttributes(attribute.Bool("boot_completed", true))
	logEvent(c.env, "emulator booted", "serial", serial, "elapsed", time.Since(started))
	return nil
}

func (c *Controller) bootCompleted(ctx context.Context, serial string, retries int) (bool, error) {
	out, err := c.Shell.ExecWithRetries(ctx, serial, retries, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// pollUntil calls check every poll interval until it reports done or the
// window closes. Check errors count as "not yet" unless retrying cannot
// help (missing SDK or tool).
func (c *Controller) pollUntil(ctx context.Context, window time.Duration, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	var last, fatal error
	policy := backoff.WithContext(backoff.NewConstantBackOff(c.env.Settings.pollInterval()), ctx)
	err := backoff.Retry(func() error {
		done, err := check(ctx)
		switch {
		case err != nil:
			last = err
			if errdefs.IsFailedPrecondition(err) || errdefs.IsNotFound(err) {
				fatal = err
				return nil
			}
			return err
		case !done:
			return errNotReady
		}
		return nil
	}, policy)
	if fatal != nil {
		return fatal
	}
	if err == nil {
		return nil
	}
	// A constant backoff only stops when the window closes.
	cause := ctx.Err()
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	if last != nil {
		return fmt.Errorf("%w (last error: %v)", cause, last)
	}
	return cause
}

// waitError turns an expired wait window into a TimeoutError. Cancellation
// of the caller's context is passed through.
func (c *Controller) waitError(parent context.Context, err error, op, target string, after time.Duration) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Target: target, After: after}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsSystemWritable reports whether the emulator on port was launched with a
// writable system partition. Any failure reads as "not writable".
func (c *Controller) IsSystemWritable(ctx context.Context, port int) bool {
	serial := Serial(port)
	out, err := c.Shell.Exec(ctx, serial, "emu", "avd", "path")
	if err != nil {
		logEvent(c.env, "writable check failed", "serial", serial, "error", err)
		return false
	}
	dir := parseConsoleReply(out)
	if dir == "" {
		return false
	}
	params, err := os.ReadFile(filepath.Join(dir, "emu-launch-params.txt"))
	if err != nil {
		logEvent(c.env, "writable check failed", "serial", serial, "error", err)
		return false
	}
	return strings.Contains(string(params), writableSystemFlag)
}

// MountAsRootWritableSystem boots name with a writable system, roots adbd
// and remounts /system read-write. On API 29+ boot verification and verity
// are disabled first, with a reboot only when one of them was still on.
// It returns the console port of the running device.
func (c *Controller) MountAsRootWritableSystem(ctx context.Context, name string) (int, error) {
	ctx, span := startSpanContext(ctx, c.env, "avd.MountAsRootWritableSystem", attribute.String("name", name))
	defer span.End()
	fail := func(err error) (int, error) {
		recordSpanError(span, err)
		return 0, err
	}

	if err := c.EnsureNotGooglePlay(ctx, name); err != nil {
		return fail(err)
	}
	port, err := c.Start(ctx, name, StartOptions{Writable: true, WaitForBoot: true})
	if err != nil {
		return fail(err)
	}
	serial := Serial(port)
	span.SetAttributes(attribute.Int("port", port), attribute.String("serial", serial))

	logEvent(c.env, "restarting adbd as root", "serial", serial)
	if _, err := c.Shell.Exec(ctx, serial, "root"); err != nil {
		return fail(err)
	}
	api, err := c.deviceAPILevel(ctx, serial)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("api_level", api.String()))
	if api.SameOrNewer(verificationAPILevel) {
		verification, err := c.disableUnlessDisabled(ctx, serial,
			[]string{"shell", "avbctl", "get-verification"},
			[]string{"shell", "avbctl", "disable-verification"})
		if err != nil {
			return fail(err)
		}
		verity, err := c.disableUnlessDisabled(ctx, serial,
			[]string{"shell", "avbctl", "get-verity"},
			[]string{"disable-verity"})
		if err != nil {
			return fail(err)
		}
		if verification || verity {
			if err := c.Reboot(ctx, port, true); err != nil {
				return fail(err)
			}
			if _, err := c.Shell.Exec(ctx, serial, "root"); err != nil {
				return fail(err)
			}
		}
	}
	logEvent(c.env, "remounting system read-write", "serial", serial)
	if _, err := c.Shell.Exec(ctx, serial, "remount"); err != nil {
		return fail(err)
	}
	return port, nil
}

// disableUnlessDisabled runs disable unless query already reports
// "disabled", and reports whether it did.
func (c *Controller) disableUnlessDisabled(ctx context.Context, serial string, query, disable []string) (bool, error) {
	out, err := c.Shell.Exec(ctx, serial, query...)
	if err != nil {
		return false, err
	}
	if strings.Contains(strings.ToLower(out), "disabled") {
		return false, nil
	}
	logEvent(c.env, "disabling boot check", "serial", serial, "command", strings.Join(disable, " "))
	if _, err := c.Shell.Exec(ctx, serial, disable...); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) deviceAPILevel(ctx context.Context, serial string) (version.Version, error) {
	out, err := c.Shell.Exec(ctx, serial, "shell", "getprop", "ro.build.version.sdk")
	if err != nil {
		return version.Version{}, err
	}
	v, err := version.Parse(strings.TrimSpace(out))
	if err != nil {
		return version.Version{}, fmt.Errorf("%s api level: %w", serial, err)
	}
	return v, nil
}

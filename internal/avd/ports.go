// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const emulatorSerialPrefix = "emulator-"

var firstInteger = regexp.MustCompile(`\d+`)

// Serial is the adb serial of the emulator listening on console port.
func Serial(port int) string { return fmt.Sprintf("%s%d", emulatorSerialPrefix, port) }

// PortRegistry derives running emulators from `adb devices`. It holds no
// state: the device listing is the only source of truth.
type PortRegistry struct {
	env    Env
	tools  *Toolchain
	runner Runner
	shell  *Shell
}

func NewPortRegistry(env Env, tools *Toolchain, runner Runner, shell *Shell) *PortRegistry {
	return &PortRegistry{env: env, tools: tools, runner: runner, shell: shell}
}

// ActivePorts returns the console ports of every emulator adb knows about,
// in listing order.
func (r *PortRegistry) ActivePorts(ctx context.Context) ([]int, error) {
	adb, err := r.tools.ADBPath()
	if err != nil {
		return nil, err
	}
	res, err := r.runner.Run(ctx, adb, "devices")
	if err != nil {
		return nil, newToolError("adb", res, err)
	}
	return parseActivePorts(res.Stdout), nil
}

func parseActivePorts(out string) []int {
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) == 0 || !strings.HasPrefix(f[0], emulatorSerialPrefix) {
			continue
		}
		n, err := strconv.Atoi(firstInteger.FindString(line))
		if err != nil {
			continue
		}
		ports = append(ports, n)
	}
	return ports
}

// AllocateNextPort returns two above the highest active port, leaving the
// adb port of that emulator free, or the default port when nothing runs.
func (r *PortRegistry) AllocateNextPort(ctx context.Context) (int, error) {
	ports, err := r.ActivePorts(ctx)
	if err != nil {
		return 0, err
	}
	return nextPort(ports, r.env.Settings.defaultPort()), nil
}

func nextPort(active []int, def int) int {
	if len(active) == 0 {
		return def
	}
	return slices.Max(active) + 2
}

// NameForPort asks the emulator console for its AVD name.
func (r *PortRegistry) NameForPort(ctx context.Context, port int) (string, error) {
	out, err := r.shell.ExecWithRetries(ctx, Serial(port), 0, "emu", "avd", "name")
	if err != nil {
		return "", err
	}
	return parseConsoleReply(out), nil
}

// FindPortForName scans active ports for the emulator running name. A
// missing emulator is reported with ok == false, not as an error.
func (r *PortRegistry) FindPortForName(ctx context.Context, name string) (port int, ok bool, err error) {
	ports, err := r.ActivePorts(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, p := range ports {
		got, err := r.NameForPort(ctx, p)
		if err != nil {
			logEvent(r.env, "emulator name query failed", "port", p, "error", err)
			continue
		}
		if sameDeviceName(got, name) {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// parseConsoleReply drops the trailing "OK" of an emulator console answer
// and returns the first remaining line.
func parseConsoleReply(out string) string {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(out, "\r\n", "\n")), "\n")
	if len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "OK" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(lines[0])
}

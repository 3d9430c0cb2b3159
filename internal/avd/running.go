// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentQueries bounds parallel adb queries in ListRunning.
const maxConcurrentQueries = 4

// RunningEmulator is one emulator adb currently lists.
type RunningEmulator struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Port   int    `json:"port"`
	PID    int    `json:"pid,omitempty"`
	Booted bool   `json:"booted"`
}

// ListRunning returns every emulator adb lists, ordered by port. Name, boot
// state and PID are best effort.
func (c *Controller) ListRunning(ctx context.Context) ([]RunningEmulator, error) {
	ctx, span := startSpanContext(ctx, c.env, "avd.ListRunning")
	defer span.End()

	ports, err := c.Ports.ActivePorts(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	slices.Sort(ports)
	ports = slices.Compact(ports)

	out := make([]RunningEmulator, len(ports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQueries)
	for i, port := range ports {
		g.Go(func() error {
			emu := RunningEmulator{Serial: Serial(port), Port: port, PID: findEmulatorPID(port)}
			if name, err := c.Ports.NameForPort(gctx, port); err == nil {
				emu.Name = name
			}
			if emu.Name == "" {
				emu.Name = findEmulatorNameFromPID(emu.PID)
			}
			emu.Booted, _ = c.bootCompleted(gctx, emu.Serial, 0)
			out[i] = emu
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("running", len(out)))
	return out, nil
}

// findEmulatorPID scans /proc for an emulator or qemu process started with
// "-port <port>". It returns 0 when none is found or /proc is unavailable.
func findEmulatorPID(port int) int {
	entries, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	needle := []byte("-port\x00" + strconv.Itoa(port) + "\x00")
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !bytes.Contains(append(b, 0), needle) {
			continue
		}
		if !bytes.Contains(b, []byte("qemu-system")) && !bytes.Contains(b, []byte("emulator")) {
			continue
		}
		if n, err := strconv.Atoi(filepath.Base(filepath.Dir(p))); err == nil {
			return n
		}
	}
	return 0
}

// findEmulatorNameFromPID reads the -avd argument from a process cmdline.
func findEmulatorNameFromPID(pid int) string {
	if pid == 0 {
		return ""
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	parts := bytes.Split(b, []byte{0})
	for i, part := range parts {
		if string(part) == "-avd" && i+1 < len(parts) {
			return string(parts[i+1])
		}
	}
	return ""
}

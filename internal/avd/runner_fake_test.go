// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCall struct {
	Name  string
	Args  []string
	Stdin string
}

func (c fakeCall) String() string { return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " ")) }

// device returns the command sent to a device ("shell getprop ...") and its
// serial, or ok == false for calls that are not `adb -s <serial> ...`.
func (c fakeCall) device() (serial, command string, ok bool) {
	if c.Name != "adb" || len(c.Args) < 3 || c.Args[0] != "-s" {
		return "", "", false
	}
	return c.Args[1], strings.Join(c.Args[2:], " "), true
}

// fakeRunner records every invocation and answers through handle.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	spawns  []SpawnSpec
	handle  func(fakeCall) (Result, error)
	onSpawn func(SpawnSpec) error
}

var _ Runner = (*fakeRunner)(nil)

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f.RunInput(ctx, "", name, args...)
}

func (f *fakeRunner) RunInput(_ context.Context, stdin string, name string, args ...string) (Result, error) {
	call := fakeCall{Name: name, Args: append([]string(nil), args...), Stdin: stdin}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handle := f.handle
	f.mu.Unlock()
	if handle == nil {
		return Result{}, nil
	}
	return handle(call)
}

func (f *fakeRunner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, spec)
	onSpawn := f.onSpawn
	f.mu.Unlock()
	if onSpawn != nil {
		if err := onSpawn(spec); err != nil {
			return Process{}, err
		}
	}
	return Process{PID: 4242, LogPath: spec.LogPath}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

// deviceCommands lists the commands sent to serial, in order.
func (f *fakeRunner) deviceCommands(serial string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if s, cmd, ok := c.device(); ok && s == serial {
			out = append(out, cmd)
		}
	}
	return out
}

func (f *fakeRunner) count(command string) int {
	n := 0
	for _, c := range f.commands() {
		if c == command {
			n++
		}
	}
	return n
}

func (f *fakeRunner) spawned() []SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SpawnSpec(nil), f.spawns...)
}

// testEnv has fast retry and poll timings, tool overrides matching the fake
// runner's command names, and an SDK root in a temp dir.
func testEnv(t *testing.T) Env {
	t.Helper()
	sdkRoot := t.TempDir()
	retries := 2
	settle := time.Duration(0)
	return Env{
		AVDHome:    t.TempDir(),
		ADB:        "adb",
		Emulator:   "emulator",
		AvdMgr:     "avdmanager",
		SdkManager: "sdkmanager",
		LookupEnv: func(key string) (string, bool) {
			if key == EnvAndroidHome {
				return sdkRoot, true
			}
			return "", false
		},
		Settings: Settings{
			CommandRetries: &retries,
			RetryDelay:     time.Millisecond,
			PollInterval:   time.Millisecond,
			BootTimeout:    2 * time.Second,
			PowerOffSettle: &settle,
			RebootGrace:    50 * time.Millisecond,
		},
		Context: context.Background(),
	}
}

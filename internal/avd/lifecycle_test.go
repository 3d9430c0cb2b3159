// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simDevice struct {
	name                 string
	running              bool
	pendingBootProbes    int
	neverBoots           bool
	ignoresKill          bool
	api                  string
	verificationDisabled bool
	verityDisabled       bool
}

// emulatorSim answers adb, avdmanager and emulator invocations the way a
// set of real emulators would.
type emulatorSim struct {
	t       *testing.T
	env     Env
	mu      sync.Mutex
	devices map[int]*simDevice
	runner  *fakeRunner
}

func newEmulatorSim(t *testing.T, env Env) *emulatorSim {
	sim := &emulatorSim{t: t, env: env, devices: make(map[int]*simDevice)}
	sim.runner = &fakeRunner{handle: sim.handle, onSpawn: sim.spawn}
	return sim
}

func (s *emulatorSim) avdDir(name string) string {
	return filepath.Join(s.env.AVDHome, name+".avd")
}

// boot marks name as running on port with the given launch arguments.
func (s *emulatorSim) boot(name string, port int, args ...string) *simDevice {
	s.t.Helper()
	require.NoError(s.t, os.MkdirAll(s.avdDir(name), 0o755))
	require.NoError(s.t, os.WriteFile(filepath.Join(s.avdDir(name), "emu-launch-params.txt"),
		[]byte(strings.Join(args, "\n")), 0o644))
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &simDevice{name: name, running: true, api: "30"}
	s.devices[port] = d
	return d
}

func (s *emulatorSim) device(port int) *simDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[port]
}

func (s *emulatorSim) spawn(spec SpawnSpec) error {
	var name string
	port := 0
	for i := 0; i+1 < len(spec.Args); i++ {
		switch spec.Args[i] {
		case "-avd":
			name = spec.Args[i+1]
		case "-port":
			port, _ = strconv.Atoi(spec.Args[i+1])
		}
	}
	d := s.boot(name, port, spec.Args...)
	s.mu.Lock()
	d.pendingBootProbes = 1
	s.mu.Unlock()
	return nil
}

func (s *emulatorSim) handle(c fakeCall) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case c.Name == "avdmanager":
		return Result{Stdout: fmt.Sprintf(`    Name: Pixel_API_30
    Path: %[1]s/Pixel_API_30.avd
  Based on: Android 11.0 ("R") Tag/ABI: google_apis/x86_64
---------
    Name: Other
    Path: %[1]s/Other.avd
  Based on: Android 13.0 ("Tiramisu") Tag/ABI: default/x86_64
---------
    Name: Play_API_34
    Path: %[1]s/Play_API_34.avd
  Based on: Android 14.0 ("UpsideDownCake") Tag/ABI: google_apis_playstore/x86_64
`, s.env.AVDHome)}, nil
	case c.Name == "adb" && len(c.Args) == 1 && c.Args[0] == "devices":
		var ports []int
		for port, d := range s.devices {
			if d.running {
				ports = append(ports, port)
			}
		}
		sort.Ints(ports)
		out := "List of devices attached\n"
		for _, port := range ports {
			out += Serial(port) + "\tdevice\n"
		}
		return Result{Stdout: out}, nil
	}

	serial, cmd, ok := c.device()
	if !ok {
		return Result{}, fmt.Errorf("unexpected command %s", c)
	}
	port, _ := strconv.Atoi(strings.TrimPrefix(serial, emulatorSerialPrefix))
	d := s.devices[port]
	if d == nil || !d.running {
		return Result{Stderr: fmt.Sprintf("error: device '%s' not found", serial)}, errors.New("exit status 1")
	}
	switch cmd {
	case "emu avd name":
		return Result{Stdout: d.name + "\r\nOK\r\n"}, nil
	case "emu avd path":
		return Result{Stdout: s.avdDir(d.name) + "\r\nOK\r\n"}, nil
	case "emu kill":
		if !d.ignoresKill {
			d.running = false
		}
		return Result{Stdout: "OK: killing emulator, bye bye\r\n"}, nil
	case "shell getprop sys.boot_completed":
		if d.neverBoots || d.pendingBootProbes > 0 {
			d.pendingBootProbes--
			return Result{Stdout: "\n"}, nil
		}
		return Result{Stdout: "1\n"}, nil
	case "shell getprop ro.build.version.sdk":
		return Result{Stdout: d.api + "\n"}, nil
	case "root":
		return Result{Stdout: "restarting adbd as root\n"}, nil
	case "shell avbctl get-verification":
		return Result{Stdout: "verification is " + enabledWord(d.verificationDisabled) + "\n"}, nil
	case "shell avbctl get-verity":
		return Result{Stdout: "verity is " + enabledWord(d.verityDisabled) + "\n"}, nil
	case "shell avbctl disable-verification":
		d.verificationDisabled = true
		return Result{Stdout: "Successfully disabled verification\n"}, nil
	case "disable-verity":
		d.verityDisabled = true
		return Result{Stdout: "Verity disabled on /system\nNow reboot your device for settings to take effect\n"}, nil
	case "reboot":
		d.pendingBootProbes = 2
		return Result{}, nil
	case "remount":
		return Result{Stdout: "remount succeeded\n"}, nil
	}
	return Result{}, fmt.Errorf("unexpected device command %q", cmd)
}

func enabledWord(disabled bool) string {
	if disabled {
		return "disabled"
	}
	return "enabled"
}

var mutatingCommands = []string{
	"root",
	"shell avbctl disable-verification",
	"disable-verity",
	"reboot",
	"remount",
	"emu kill",
}

func (s *emulatorSim) mutations(port int) []string {
	var out []string
	for _, cmd := range s.runner.deviceCommands(Serial(port)) {
		if slices.Contains(mutatingCommands, cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

func TestStartIsIdempotentWhenWritable(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554, "-avd", "Pixel_API_30", "-port", "5554", "-writable-system")
	c := New(env, sim.runner)
	ctx := context.Background()

	first, err := c.Start(ctx, "pixel api 30", StartOptions{Writable: true, WaitForBoot: true})
	require.NoError(t, err)
	second, err := c.Start(ctx, "Pixel_API_30", StartOptions{Writable: true, WaitForBoot: true})
	require.NoError(t, err)

	assert.Equal(t, 5554, first)
	assert.Equal(t, first, second)
	assert.Zero(t, sim.runner.count("adb -s emulator-5554 emu kill"))
	assert.Empty(t, sim.runner.spawned())
}

func TestStartRestartsForWritableSystem(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554, "-avd", "Pixel_API_30", "-port", "5554")
	c := New(env, sim.runner)

	port, err := c.Start(context.Background(), "Pixel_API_30", StartOptions{Writable: true})
	require.NoError(t, err)
	assert.Equal(t, 5554, port)
	assert.Equal(t, 1, sim.runner.count("adb -s emulator-5554 emu kill"))

	spawns := sim.runner.spawned()
	require.Len(t, spawns, 1)
	assert.Equal(t, "emulator", spawns[0].Name)
	assert.Equal(t, []string{"-avd", "Pixel_API_30", "-port", "5554", "-writable-system"}, spawns[0].Args)
	assert.True(t, c.IsSystemWritable(context.Background(), port))
}

func TestStartAllocatesNextPort(t *testing.T) {
	env := testEnv(t)
	env.Settings.Headless = true
	env.Settings.EmulatorArgs = []string{"-memory", "2048"}
	sim := newEmulatorSim(t, env)
	sim.boot("Other", 5554)
	c := New(env, sim.runner)

	port, err := c.Start(context.Background(), "Pixel_API_30", StartOptions{ExtraArgs: []string{"-no-snapshot"}})
	require.NoError(t, err)
	assert.Equal(t, 5556, port)

	spawns := sim.runner.spawned()
	require.Len(t, spawns, 1)
	want := append([]string{"-avd", "Pixel_API_30", "-port", "5556"}, headlessArgs...)
	want = append(want, "-memory", "2048", "-no-snapshot")
	assert.Equal(t, want, spawns[0].Args)
	assert.Equal(t, []string{"QEMU_FILE_LOCKING=off"}, spawns[0].Env)
	assert.Equal(t, filepath.Join(os.TempDir(), "emulator-Pixel_API_30-5556.log"), spawns[0].LogPath)
	assert.False(t, c.IsSystemWritable(context.Background(), port))
}

func TestStartWaitsForBoot(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	c := New(env, sim.runner)

	port, err := c.Start(context.Background(), "Pixel_API_30", StartOptions{WaitForBoot: true})
	require.NoError(t, err)
	assert.Equal(t, 5554, port)
	assert.Equal(t, 2, sim.runner.count("adb -s emulator-5554 shell getprop sys.boot_completed"))
}

func TestStartRejectsBadPort(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	c := New(env, sim.runner)

	for _, port := range []int{5555, 5000, 5700} {
		_, err := c.Start(context.Background(), "Pixel_API_30", StartOptions{Port: port})
		assert.True(t, errdefs.IsInvalidArgument(err), "port %d", port)
	}
	assert.Empty(t, sim.runner.spawned())
}

func TestStartUnknownDevice(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)

	_, err := New(env, sim.runner).Start(context.Background(), "Nexus", StartOptions{})
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, sim.runner.spawned())
}

func TestWaitForBootTimeout(t *testing.T) {
	env := testEnv(t)
	env.Settings.BootTimeout = 50 * time.Millisecond
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554).neverBoots = true
	c := New(env, sim.runner)

	err := c.WaitForBoot(context.Background(), 5554)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "boot", terr.Op)
	assert.Equal(t, "emulator-5554", terr.Target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForBootTimeoutWhenDeviceNeverAppears(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	c := New(env, sim.runner)

	err := c.WaitForBootWithProgress(context.Background(), "emulator-5560", 30*time.Millisecond, nil)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 30*time.Millisecond, terr.After)
	assert.Zero(t, sim.runner.count("adb -s emulator-5560 shell getprop sys.boot_completed"))
}

func TestWaitForBootWithProgressReportsStages(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554).pendingBootProbes = 3
	c := New(env, sim.runner)

	var stages []string
	err := c.WaitForBootWithProgress(context.Background(), "emulator-5554", 5*time.Second,
		func(stage string, elapsed time.Duration) {
			assert.GreaterOrEqual(t, elapsed, time.Duration(0))
			stages = append(stages, stage)
		})
	require.NoError(t, err)
	assert.Equal(t, []string{BootStageWaitingDevice, BootStageChecking, BootStageComplete}, stages)
}

func TestWaitForBootCancelled(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554).neverBoots = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(env, sim.runner).WaitForBoot(ctx, 5554)
	var terr *TimeoutError
	assert.False(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopWaitsForPowerOff(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554)
	c := New(env, sim.runner)

	require.NoError(t, c.Stop(context.Background(), 5554, true))
	assert.False(t, sim.device(5554).running)
	ports, err := c.Ports.ActivePorts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestStopPowerOffTimeout(t *testing.T) {
	env := testEnv(t)
	env.Settings.BootTimeout = 30 * time.Millisecond
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554).ignoresKill = true

	err := New(env, sim.runner).Stop(context.Background(), 5554, true)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "power-off", terr.Op)
}

func TestRebootWaitsForFreshBoot(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554)
	c := New(env, sim.runner)

	require.NoError(t, c.Reboot(context.Background(), 5554, true))
	assert.Equal(t, []string{"reboot"}, sim.mutations(5554))
	assert.Equal(t, 3, sim.runner.count("adb -s emulator-5554 shell getprop sys.boot_completed"))
}

func TestMountAsRootWritableSystemSkipsReboot(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	d := sim.boot("Pixel_API_30", 5554, "-writable-system")
	d.verificationDisabled = true
	d.verityDisabled = true
	c := New(env, sim.runner)

	port, err := c.MountAsRootWritableSystem(context.Background(), "Pixel_API_30")
	require.NoError(t, err)
	assert.Equal(t, 5554, port)
	assert.Equal(t, []string{"root", "remount"}, sim.mutations(port))
	assert.Empty(t, sim.runner.spawned())
}

func TestMountAsRootWritableSystemDisablesVerification(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	c := New(env, sim.runner)

	port, err := c.MountAsRootWritableSystem(context.Background(), "Pixel_API_30")
	require.NoError(t, err)
	assert.Equal(t, 5554, port)
	assert.Equal(t, []string{
		"root",
		"shell avbctl disable-verification",
		"disable-verity",
		"reboot",
		"root",
		"remount",
	}, sim.mutations(port))
	require.Len(t, sim.runner.spawned(), 1)
	assert.Contains(t, sim.runner.spawned()[0].Args, "-writable-system")
}

func TestMountAsRootWritableSystemOnlyDisablesWhatIsEnabled(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554, "-writable-system").verificationDisabled = true
	c := New(env, sim.runner)

	_, err := c.MountAsRootWritableSystem(context.Background(), "Pixel_API_30")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "disable-verity", "reboot", "root", "remount"}, sim.mutations(5554))
}

func TestMountAsRootWritableSystemBeforeAPI29(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Pixel_API_30", 5554, "-writable-system").api = "28"
	c := New(env, sim.runner)

	_, err := c.MountAsRootWritableSystem(context.Background(), "Pixel_API_30")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "remount"}, sim.mutations(5554))
	assert.Zero(t, sim.runner.count("adb -s emulator-5554 shell avbctl get-verification"))
}

func TestMountAsRootWritableSystemRejectsGooglePlay(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)

	_, err := New(env, sim.runner).MountAsRootWritableSystem(context.Background(), "Play_API_34")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Empty(t, sim.runner.spawned())
}

func TestIsSystemWritableDegradesToFalse(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	c := New(env, sim.runner)

	assert.False(t, c.IsSystemWritable(context.Background(), 5554))

	sim.boot("Pixel_API_30", 5554, "-writable-system")
	require.NoError(t, os.Remove(filepath.Join(sim.avdDir("Pixel_API_30"), "emu-launch-params.txt")))
	assert.False(t, c.IsSystemWritable(context.Background(), 5554))
}

func TestListRunning(t *testing.T) {
	env := testEnv(t)
	sim := newEmulatorSim(t, env)
	sim.boot("Other", 5556)
	sim.boot("Pixel_API_30", 5554).neverBoots = true

	running, err := New(env, sim.runner).ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, RunningEmulator{Serial: "emulator-5554", Name: "Pixel_API_30", Port: 5554, PID: running[0].PID}, running[0])
	assert.Equal(t, RunningEmulator{Serial: "emulator-5556", Name: "Other", Port: 5556, PID: running[1].PID, Booted: true}, running[1])
}

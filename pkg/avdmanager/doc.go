// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package avdmanager provides a Go library for driving the Android SDK
command-line tools: package discovery, AVD creation and removal, and the
emulator lifecycle.

# Overview

The manager wraps sdkmanager, avdmanager, emulator and adb. It locates the
SDK, picks the newest installed platform that has a bootable system image,
creates AVDs from it, and starts, stops, reboots and roots emulators.
Every adb interaction is retried a bounded number of times, and every wait
has a deadline.

# Quick Start

	import "github.com/forkbombeu/emuctl/pkg/avdmanager"

	func main() {
		mgr := avdmanager.New()

		// Create an AVD from the newest supported image
		mgr.Create(avdmanager.CreateOptions{
			Name:          "ci-pixel",
			DeviceProfile: "pixel_6",
		})

		// Boot it headless and wait for Android
		p, _ := mgr.Run(avdmanager.RunOptions{
			Name:        "ci-pixel",
			Headless:    true,
			WaitForBoot: true,
		})

		// ... run tests against p.Serial ...

		mgr.Stop(p.Serial)
	}

# Key Concepts

**Supported API package**: an installed platform at or above the minimum
API level together with a matching system image for the host architecture.

**Console port**: emulators listen on an even port between 5554 and 5682;
adb uses port+1 and the serial is "emulator-<port>". Run picks the next free
port unless RunOptions.Port is set.

**Writable system**: RootWritableSystem restarts an emulator with
-writable-system, roots adbd, disables verified boot where the image
enforces it, and remounts /system read-write. Google Play images are
rejected because they cannot be rooted.

# Parallel Execution

Run is idempotent per AVD: a second call returns the running instance.
When starting several AVDs concurrently give each an explicit even port,
since two concurrent auto-assignments may pick the same one.

# Environment Configuration

By default, the manager auto-detects paths from environment variables:
  - ANDROID_HOME, then ANDROID_SDK_ROOT
  - ANDROID_AVD_HOME
  - EMUCTL_EMULATOR, EMUCTL_ADB, EMUCTL_AVDMANAGER, EMUCTL_SDKMANAGER
  - EMUCTL_CONFIG (YAML settings: retries, timeouts, architectures)
  - EMUCTL_CORRELATION_ID

Use NewWithEnv() to override with custom paths.

# Thread Safety

Lookups of the SDK root, tool paths and the package inventory are cached
and safe for concurrent use. Operations on the same emulator should not
run concurrently.

# Requirements

  - Android SDK with emulator, platform-tools and cmdline-tools
  - KVM for hardware acceleration (Linux)

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package avdmanager

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	env := Detect()
	if env.AVDHome == "" {
		t.Fatal("AVDHome should not be empty")
	}
}

func TestDetectReadsEnvironment(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "emuctl.yaml")
	require.NoError(t, os.WriteFile(config, []byte("boot_timeout: 90s\n"), 0o644))
	t.Setenv("ANDROID_AVD_HOME", dir)
	t.Setenv("EMUCTL_ADB", "/opt/android/adb")
	t.Setenv("EMUCTL_CORRELATION_ID", "run-42")
	t.Setenv("EMUCTL_CONFIG", config)

	env := Detect()
	assert.Equal(t, dir, env.AVDHome)
	assert.Equal(t, "/opt/android/adb", env.ADB)
	assert.Equal(t, "run-42", env.CorrelationID)
	assert.Equal(t, 90*time.Second, env.Settings.bootTimeout())
}

func TestDetectFallsBackOnBrokenSettings(t *testing.T) {
	config := filepath.Join(t.TempDir(), "emuctl.yaml")
	require.NoError(t, os.WriteFile(config, []byte("command_retries: -4\n"), 0o644))
	t.Setenv("EMUCTL_CONFIG", config)

	env := Detect()
	assert.Equal(t, DefaultSettings(), env.Settings)
}

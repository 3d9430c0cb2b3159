// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAVDConfig(t *testing.T, env Env, name, content string) string {
	t.Helper()
	dir := filepath.Join(env.AVDHome, name+".avd")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmulatorConfigRoundTrip(t *testing.T) {
	env := testEnv(t)
	writeAVDConfig(t, env, "Pixel", "")
	editor := NewConfigEditor(env)

	cfg := NewEmulatorConfig()
	cfg.Set("a", "1")
	cfg.Set("b", "2")
	require.True(t, editor.Write("Pixel", cfg))

	got := editor.Read("Pixel")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got.Map())
	assert.Equal(t, []string{"a", "b"}, got.Keys())
}

func TestParseEmulatorConfigDropsMalformedLines(t *testing.T) {
	cfg := ParseEmulatorConfig("hw.ramSize=2048\n# comment\n=orphan\nno separator\nimage.sysdir.1=system-images/android-33/google_apis/x86_64/\nabi.type = x86_64\r\n")
	assert.Equal(t, []string{"hw.ramSize", "image.sysdir.1", "abi.type"}, cfg.Keys())
	v, ok := cfg.Get("abi.type")
	require.True(t, ok)
	assert.Equal(t, "x86_64", v)

	cfg.Delete("hw.ramSize")
	assert.Equal(t, 2, cfg.Len())
	assert.Equal(t, "image.sysdir.1=system-images/android-33/google_apis/x86_64/\nabi.type=x86_64\n", cfg.String())
}

func TestConfigEditorMissingFileReadsEmpty(t *testing.T) {
	editor := NewConfigEditor(testEnv(t))
	assert.Equal(t, 0, editor.Read("Missing").Len())
	// Writing into a missing AVD directory fails quietly.
	assert.False(t, editor.Write("Missing", NewEmulatorConfig()))
	assert.False(t, editor.Normalize("Missing"))
}

func TestConfigEditorNormalize(t *testing.T) {
	env := testEnv(t)
	path := writeAVDConfig(t, env, "Pixel_XL",
		"hw.device.name=pixel_xl\nruntime.network.latency=None\nruntime.network.speed=Full\nhw.gpu.enabled=no\n")
	editor := NewConfigEditor(env)

	require.True(t, editor.Normalize("Pixel_XL"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hw.device.name=pixel_xl\n"+
		"runtime.network.latency=none\n"+
		"runtime.network.speed=full\n"+
		"hw.gpu.enabled=yes\n"+
		"hw.gpu.mode=auto\n"+
		"skin.name=pixel_xl_silver\n", string(b))
}

func TestConfigEditorNormalizeLeavesUnknownSkin(t *testing.T) {
	env := testEnv(t)
	writeAVDConfig(t, env, "Nexus", "hw.device.name=Nexus 5\n")
	editor := NewConfigEditor(env)

	require.True(t, editor.Normalize("Nexus"))
	cfg := editor.Read("Nexus")
	_, ok := cfg.Get("skin.name")
	assert.False(t, ok)
	_, ok = cfg.Get("runtime.network.latency")
	assert.False(t, ok)
}

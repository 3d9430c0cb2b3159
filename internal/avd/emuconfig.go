// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"path/filepath"
	"strings"
)

// EmulatorConfig is the ordered key=value content of an AVD config.ini.
type EmulatorConfig struct {
	keys   []string
	values map[string]string
}

func NewEmulatorConfig() *EmulatorConfig {
	return &EmulatorConfig{values: make(map[string]string)}
}

// ParseEmulatorConfig reads key=value lines. Lines without a key are
// dropped; a repeated key keeps its first position and its last value.
func ParseEmulatorConfig(text string) *EmulatorConfig {
	cfg := NewEmulatorConfig()
	for _, line := range strings.Split(text, "\n") {
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			continue
		}
		cfg.Set(key, strings.TrimSpace(line[idx+1:]))
	}
	return cfg
}

func (c *EmulatorConfig) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *EmulatorConfig) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

func (c *EmulatorConfig) Delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

func (c *EmulatorConfig) Keys() []string { return append([]string(nil), c.keys...) }

func (c *EmulatorConfig) Len() int { return len(c.keys) }

// Map returns a copy of the entries.
func (c *EmulatorConfig) Map() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// String serializes every entry as one key=value line in insertion order.
func (c *EmulatorConfig) String() string {
	var b strings.Builder
	for _, k := range c.keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.values[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Fields lower-cased by Normalize.
var lowercaseConfigKeys = []string{"runtime.network.latency", "runtime.network.speed"}

// Hardware acceleration flags forced by Normalize.
var accelerationConfig = [][2]string{
	{"hw.gpu.enabled", "yes"},
	{"hw.gpu.mode", "auto"},
}

// Device profiles whose bundled skin carries a different name.
var deviceSkins = map[string]string{
	"pixel":    "pixel_silver",
	"pixel_xl": "pixel_xl_silver",
}

// ConfigEditor edits the config.ini of AVDs under the AVD home. Failures
// never propagate: an unreadable file reads as empty and a failed write is
// only logged, since these settings are conveniences.
type ConfigEditor struct {
	env Env
}

func NewConfigEditor(env Env) *ConfigEditor { return &ConfigEditor{env: env} }

// Path is the config.ini of the AVD with id name.
func (e *ConfigEditor) Path(name string) string {
	return filepath.Join(e.env.AVDHome, name+".avd", "config.ini")
}

func (e *ConfigEditor) Read(name string) *EmulatorConfig {
	return readConfigFile(e.env, e.Path(name))
}

// Write overwrites the config file of name with cfg and reports success.
func (e *ConfigEditor) Write(name string, cfg *EmulatorConfig) bool {
	path := e.Path(name)
	if err := os.WriteFile(path, []byte(cfg.String()), 0o644); err != nil {
		logEvent(e.env, "emulator config write failed", "name", name, "path", path, "error", err)
		return false
	}
	return true
}

// Normalize lower-cases the network latency and speed fields, enables GPU
// acceleration and sets the skin for device profiles that have a known one.
// It returns false when the config could not be edited.
func (e *ConfigEditor) Normalize(name string) bool {
	cfg := e.Read(name)
	if cfg.Len() == 0 {
		logEvent(e.env, "emulator config not editable, skipping normalization", "name", name)
		return false
	}
	for _, key := range lowercaseConfigKeys {
		if v, ok := cfg.Get(key); ok {
			cfg.Set(key, strings.ToLower(v))
		}
	}
	for _, kv := range accelerationConfig {
		cfg.Set(kv[0], kv[1])
	}
	if device, ok := cfg.Get("hw.device.name"); ok {
		if skin, ok := deviceSkins[device]; ok {
			cfg.Set("skin.name", skin)
		}
	}
	return e.Write(name, cfg)
}

func readConfigFile(env Env, path string) *EmulatorConfig {
	b, err := os.ReadFile(path)
	if err != nil {
		logEvent(env, "emulator config read failed", "path", path, "error", err)
		return NewEmulatorConfig()
	}
	return ParseEmulatorConfig(string(b))
}

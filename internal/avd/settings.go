// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"

	"github.com/forkbombeu/emuctl/internal/version"
)

// Emulator console ports live in this range; the adb port is console+1.
const (
	MinConsolePort = 5554
	MaxConsolePort = 5682
)

// Settings are the tunables of package resolution and device interaction.
type Settings struct {
	MinSupportedAPI       string         `yaml:"min_supported_api"`
	Architectures         []string       `yaml:"architectures"`
	ImageFlavors          []string       `yaml:"image_flavors"`
	RequireEmulatorImages *bool          `yaml:"require_emulator_images"`
	CommandRetries        *int           `yaml:"command_retries"`
	RetryDelay            time.Duration  `yaml:"retry_delay"`
	BootTimeout           time.Duration  `yaml:"boot_timeout"`
	PollInterval          time.Duration  `yaml:"poll_interval"`
	PowerOffSettle        *time.Duration `yaml:"power_off_settle"`
	RebootGrace           time.Duration  `yaml:"reboot_grace"`
	DefaultPort           int            `yaml:"default_port"`
	Headless              bool           `yaml:"headless"`
	EmulatorArgs          []string       `yaml:"emulator_args"`
}

// DefaultSettings returns the built-in settings for the host platform.
func DefaultSettings() Settings {
	requireImages := true
	retries := 3
	// Darwin is slow to drop a killed emulator from `adb devices`.
	settle := 2 * time.Second
	if runtime.GOOS == "darwin" {
		settle = 5 * time.Second
	}
	return Settings{
		MinSupportedAPI:       "26",
		Architectures:         defaultArchitectures(runtime.GOARCH),
		ImageFlavors:          []string{"google_apis", "default", "google_apis_playstore"},
		RequireEmulatorImages: &requireImages,
		CommandRetries:        &retries,
		RetryDelay:            2 * time.Second,
		BootTimeout:           5 * time.Minute,
		PollInterval:          time.Second,
		PowerOffSettle:        &settle,
		RebootGrace:           10 * time.Second,
		DefaultPort:           MinConsolePort,
	}
}

func defaultArchitectures(goarch string) []string {
	switch goarch {
	case "arm64":
		return []string{"arm64-v8a"}
	case "386":
		return []string{"x86"}
	default:
		return []string{"x86_64", "x86"}
	}
}

// LoadSettings reads a YAML settings file over DefaultSettings. A missing
// file is not an error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	var file Settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, fmt.Errorf("parse settings %s: %w: %w", path, err, errdefs.ErrInvalidArgument)
	}
	s = s.merge(file)
	if err := s.Validate(); err != nil {
		return DefaultSettings(), err
	}
	return s, nil
}

// merge overlays every non-zero field of o onto s.
func (s Settings) merge(o Settings) Settings {
	if o.MinSupportedAPI != "" {
		s.MinSupportedAPI = o.MinSupportedAPI
	}
	if len(o.Architectures) > 0 {
		s.Architectures = o.Architectures
	}
	if len(o.ImageFlavors) > 0 {
		s.ImageFlavors = o.ImageFlavors
	}
	if o.RequireEmulatorImages != nil {
		s.RequireEmulatorImages = o.RequireEmulatorImages
	}
	if o.CommandRetries != nil {
		s.CommandRetries = o.CommandRetries
	}
	if o.RetryDelay != 0 {
		s.RetryDelay = o.RetryDelay
	}
	if o.BootTimeout != 0 {
		s.BootTimeout = o.BootTimeout
	}
	if o.PollInterval != 0 {
		s.PollInterval = o.PollInterval
	}
	if o.PowerOffSettle != nil {
		s.PowerOffSettle = o.PowerOffSettle
	}
	if o.RebootGrace != 0 {
		s.RebootGrace = o.RebootGrace
	}
	if o.DefaultPort != 0 {
		s.DefaultPort = o.DefaultPort
	}
	if o.Headless {
		s.Headless = true
	}
	if len(o.EmulatorArgs) > 0 {
		s.EmulatorArgs = o.EmulatorArgs
	}
	return s
}

// Validate rejects settings no operation could work with.
func (s Settings) Validate() error {
	if _, err := version.Parse(s.MinSupportedAPI); err != nil {
		return fmt.Errorf("min_supported_api: %w", err)
	}
	if s.CommandRetries != nil && *s.CommandRetries < 0 {
		return fmt.Errorf("command_retries must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	if s.DefaultPort != 0 {
		if s.DefaultPort%2 != 0 || s.DefaultPort < MinConsolePort || s.DefaultPort > MaxConsolePort {
			return fmt.Errorf("default_port %d must be even and within %d-%d: %w",
				s.DefaultPort, MinConsolePort, MaxConsolePort, errdefs.ErrInvalidArgument)
		}
	}
	if s.BootTimeout < 0 || s.RetryDelay < 0 || s.PollInterval < 0 {
		return fmt.Errorf("durations must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// The accessors below fill in defaults for zero values so a hand-built Env
// (tests, library callers) behaves like a detected one.

func (s Settings) minSupportedAPI() version.Version {
	if v, err := version.Parse(s.MinSupportedAPI); err == nil {
		return v
	}
	return version.MustParse(DefaultSettings().MinSupportedAPI)
}

func (s Settings) architectures() []string {
	if len(s.Architectures) == 0 {
		return DefaultSettings().Architectures
	}
	return s.Architectures
}

func (s Settings) imageFlavors() []string {
	if len(s.ImageFlavors) == 0 {
		return DefaultSettings().ImageFlavors
	}
	return s.ImageFlavors
}

func (s Settings) requireEmulatorImages() bool {
	if s.RequireEmulatorImages == nil {
		return true
	}
	return *s.RequireEmulatorImages
}

func (s Settings) commandRetries() int {
	if s.CommandRetries == nil {
		return *DefaultSettings().CommandRetries
	}
	return *s.CommandRetries
}

func (s Settings) retryDelay() time.Duration {
	if s.RetryDelay == 0 {
		return DefaultSettings().RetryDelay
	}
	return s.RetryDelay
}

func (s Settings) bootTimeout() time.Duration {
	if s.BootTimeout == 0 {
		return DefaultSettings().BootTimeout
	}
	return s.BootTimeout
}

func (s Settings) pollInterval() time.Duration {
	if s.PollInterval == 0 {
		return DefaultSettings().PollInterval
	}
	return s.PollInterval
}

func (s Settings) powerOffSettle() time.Duration {
	if s.PowerOffSettle == nil {
		return *DefaultSettings().PowerOffSettle
	}
	return *s.PowerOffSettle
}

func (s Settings) rebootGrace() time.Duration {
	if s.RebootGrace == 0 {
		return DefaultSettings().RebootGrace
	}
	return s.RebootGrace
}

func (s Settings) defaultPort() int {
	if s.DefaultPort == 0 {
		return MinConsolePort
	}
	return s.DefaultPort
}

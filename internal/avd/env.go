// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
)

// SDK root environment variables, in priority order.
const (
	EnvAndroidHome    = "ANDROID_HOME"
	EnvAndroidSDKRoot = "ANDROID_SDK_ROOT"
)

type Env struct {
	AVDHome    string // ANDROID_AVD_HOME (default ~/.android/avd)
	Emulator   string // EMUCTL_EMULATOR, resolved under the SDK root when empty
	ADB        string // EMUCTL_ADB
	AvdMgr     string // EMUCTL_AVDMANAGER
	SdkManager string // EMUCTL_SDKMANAGER
	// ConfigPath is the YAML settings file (EMUCTL_CONFIG).
	ConfigPath string
	Settings   Settings
	// LookupEnv reads environment variables; os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

// Detect builds an Env from the process environment. Settings are loaded from
// ConfigPath when the file exists; a broken file falls back to defaults and is
// logged.
func Detect() Env {
	usr, _ := user.Current()
	home := ""
	if usr != nil {
		home = usr.HomeDir
	} else if h := os.Getenv("HOME"); h != "" {
		home = h
	}

	env := Env{
		AVDHome:       getenv("ANDROID_AVD_HOME", filepath.Join(home, ".android", "avd")),
		Emulator:      os.Getenv("EMUCTL_EMULATOR"),
		ADB:           os.Getenv("EMUCTL_ADB"),
		AvdMgr:        os.Getenv("EMUCTL_AVDMANAGER"),
		SdkManager:    os.Getenv("EMUCTL_SDKMANAGER"),
		ConfigPath:    getenv("EMUCTL_CONFIG", filepath.Join(home, ".config", "emuctl", "config.yaml")),
		CorrelationID: os.Getenv("EMUCTL_CORRELATION_ID"),
		Context:       context.Background(),
	}
	settings, err := LoadSettings(env.ConfigPath)
	if err != nil {
		logEvent(env, "settings load failed", "path", env.ConfigPath, "error", err)
		settings = DefaultSettings()
	}
	env.Settings = settings
	return env
}

func (env Env) lookupEnv(key string) (string, bool) {
	if env.LookupEnv != nil {
		return env.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

func (env Env) context() context.Context {
	if env.Context != nil {
		return env.Context
	}
	return context.Background()
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

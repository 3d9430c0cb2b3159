// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// SDKRoot is the resolved SDK directory and the variable that supplied it.
type SDKRoot struct {
	Location string `json:"location"`
	Source   string `json:"source"`
}

// Toolchain owns every memoized SDK lookup: the SDK root, tool paths and the
// installed-package inventory. Values are computed on first use and kept
// until ClearCaches.
//
// Concurrent first-time population may compute a value twice; the last
// writer wins, which is harmless because the result is deterministic.
type Toolchain struct {
	env    Env
	runner Runner

	mu        sync.RWMutex
	root      *SDKRoot
	paths     map[string]string
	inventory *Inventory
}

func NewToolchain(env Env, runner Runner) *Toolchain {
	if runner == nil {
		runner = ExecRunner{Env: env}
	}
	return &Toolchain{env: env, runner: runner, paths: make(map[string]string)}
}

// SDKRoot returns the first of ANDROID_HOME and ANDROID_SDK_ROOT that is set,
// non-blank and names an existing directory.
func (t *Toolchain) SDKRoot() (SDKRoot, bool) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root != nil {
		return *root, true
	}
	for _, key := range []string{EnvAndroidHome, EnvAndroidSDKRoot} {
		v, ok := t.env.lookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		st, err := os.Stat(v)
		if err != nil || !st.IsDir() {
			continue
		}
		found := SDKRoot{Location: v, Source: key}
		t.mu.Lock()
		t.root = &found
		t.mu.Unlock()
		return found, true
	}
	return SDKRoot{}, false
}

// ClearCaches forgets the SDK root, every tool path and the package
// inventory, forcing re-detection on next use.
func (t *Toolchain) ClearCaches() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = nil
	t.paths = make(map[string]string)
	t.inventory = nil
}

func (t *Toolchain) ADBPath() (string, error) {
	return t.memoized("adb", t.env.ADB, func(root string) (string, error) {
		return filepath.Join(root, "platform-tools", executable("adb")), nil
	})
}

func (t *Toolchain) EmulatorPath() (string, error) {
	return t.memoized("emulator", t.env.Emulator, func(root string) (string, error) {
		return filepath.Join(root, "emulator", executable("emulator")), nil
	})
}

func (t *Toolchain) AvdManagerPath() (string, error) {
	return t.memoized("avdmanager", t.env.AvdMgr, func(string) (string, error) {
		dir, err := t.CmdlineToolsDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "bin", script("avdmanager")), nil
	})
}

func (t *Toolchain) SdkManagerPath() (string, error) {
	return t.memoized("sdkmanager", t.env.SdkManager, func(string) (string, error) {
		dir, err := t.CmdlineToolsDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "bin", script("sdkmanager")), nil
	})
}

// CmdlineToolsDir picks the command-line tools installation. Among the
// version directories under cmdline-tools the first in descending name
// order wins, which places "latest" ahead of numbered releases. The legacy
// "tools" directory is the fallback.
func (t *Toolchain) CmdlineToolsDir() (string, error) {
	return t.memoized("cmdline-tools", "", func(root string) (string, error) {
		base := filepath.Join(root, "cmdline-tools")
		entries, err := os.ReadDir(base)
		if err == nil {
			var names []string
			for _, e := range entries {
				if e.IsDir() {
					names = append(names, e.Name())
				}
			}
			sort.Sort(sort.Reverse(sort.StringSlice(names)))
			if len(names) > 0 {
				return filepath.Join(base, names[0]), nil
			}
		}
		legacy := filepath.Join(root, "tools")
		if st, err := os.Stat(legacy); err == nil && st.IsDir() {
			return legacy, nil
		}
		return "", fmt.Errorf("no command-line tools under %s: %w", root, errdefs.ErrNotFound)
	})
}

func (t *Toolchain) memoized(key, override string, derive func(root string) (string, error)) (string, error) {
	if override != "" {
		return override, nil
	}
	t.mu.RLock()
	p, ok := t.paths[key]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}
	root, ok := t.SDKRoot()
	if !ok {
		return "", ErrSDKRootNotSet
	}
	p, err := derive(root.Location)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.paths[key] = p
	t.mu.Unlock()
	return p, nil
}

func executable(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func script(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".bat"
	}
	return name
}

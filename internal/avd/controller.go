// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

// Controller wires the SDK toolchain, the adb retry shell, the port registry
// and the config editor into device operations. It is safe to share between
// goroutines as long as each device is driven by one of them at a time.
type Controller struct {
	env    Env
	runner Runner

	Tools  *Toolchain
	Shell  *Shell
	Ports  *PortRegistry
	Config *ConfigEditor
}

// New builds a Controller. A nil runner uses ExecRunner.
func New(env Env, runner Runner) *Controller {
	if runner == nil {
		runner = ExecRunner{Env: env}
	}
	tools := NewToolchain(env, runner)
	shell := NewShell(env, tools, runner)
	return &Controller{
		env:    env,
		runner: runner,
		Tools:  tools,
		Shell:  shell,
		Ports:  NewPortRegistry(env, tools, runner, shell),
		Config: NewConfigEditor(env),
	}
}

// ClearCaches drops every memoized SDK path and the package inventory.
func (c *Controller) ClearCaches() { c.Tools.ClearCaches() }

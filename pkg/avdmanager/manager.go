// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avdmanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/emuctl/internal/avd"
)

// Manager provides high-level emulator management operations.
type Manager struct {
	env avd.Env
	ctl *avd.Controller
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return newManager(avd.Detect(), nil)
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := avd.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return newManager(env, nil)
}

// NewWithEnv creates a new Manager with custom environment configuration.
// Settings are loaded from ConfigPath when set, defaults otherwise.
func NewWithEnv(env Environment) (*Manager, error) {
	internal, err := env.internal()
	if err != nil {
		return nil, err
	}
	return newManager(internal, nil), nil
}

func newManager(env avd.Env, runner avd.Runner) *Manager {
	return &Manager{env: env, ctl: avd.New(env, runner)}
}

// Environment holds configuration for SDK tools and paths.
type Environment struct {
	SDKRoot       string          // Used as ANDROID_HOME; empty reads the process environment
	AVDHome       string          // ANDROID_AVD_HOME (default ~/.android/avd)
	EmulatorBin   string          // Path to emulator binary (default: under the SDK root)
	ADBBin        string          // Path to adb binary (default: under the SDK root)
	AvdManagerBin string          // Path to avdmanager binary (default: under the SDK root)
	SdkManagerBin string          // Path to sdkmanager binary (default: under the SDK root)
	ConfigPath    string          // YAML settings file (optional)
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

func (e Environment) internal() (avd.Env, error) {
	settings, err := avd.LoadSettings(e.ConfigPath)
	if err != nil {
		return avd.Env{}, err
	}
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}
	env := avd.Env{
		AVDHome:       e.AVDHome,
		Emulator:      e.EmulatorBin,
		ADB:           e.ADBBin,
		AvdMgr:        e.AvdManagerBin,
		SdkManager:    e.SdkManagerBin,
		ConfigPath:    e.ConfigPath,
		Settings:      settings,
		CorrelationID: e.CorrelationID,
		Context:       ctx,
	}
	if e.AVDHome == "" {
		env.AVDHome = avd.Detect().AVDHome
	}
	if e.SDKRoot != "" {
		root := e.SDKRoot
		env.LookupEnv = func(key string) (string, bool) {
			if key == avd.EnvAndroidHome {
				return root, true
			}
			return "", false
		}
	}
	return env, nil
}

// PackageInfo describes an installed SDK package.
type PackageInfo struct {
	Path        string `json:"path"`        // sdkmanager path, e.g. "platforms;android-34"
	Category    string `json:"category"`    // First path segment
	Version     string `json:"version"`     // API level for platforms and images, revision otherwise
	Description string `json:"description"` // Tool-provided description (optional)
	Location    string `json:"location"`    // Install location relative to the SDK root (optional)
}

// APIPackageInfo is a usable platform and the system image that boots it.
type APIPackageInfo struct {
	Platform    PackageInfo  `json:"platform"`
	SystemImage *PackageInfo `json:"system_image,omitempty"`
}

// DeviceInfo contains information about an AVD.
type DeviceInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Device      string `json:"device,omitempty"`
	Path        string `json:"path"`
	Target      string `json:"target,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ABI         string `json:"abi,omitempty"`
	APILevel    string `json:"api_level,omitempty"`
	SDCardBytes int64  `json:"sdcard_bytes,omitempty"`
}

// ProcessInfo contains information about a running emulator.
type ProcessInfo struct {
	Serial string `json:"serial"` // Emulator serial (e.g., emulator-5580)
	Name   string `json:"name"`   // AVD name
	Port   int    `json:"port"`   // Console port
	PID    int    `json:"pid"`    // Process ID (best effort)
	Booted bool   `json:"booted"` // Whether Android has fully booted
}

// CreateOptions contains options for creating an AVD.
type CreateOptions struct {
	Name          string // AVD name (required)
	APILevel      string // API level, e.g. "34" (optional, newest supported if empty)
	DeviceProfile string // Device profile (e.g., "pixel_6")
	SDCardSize    string // SD card size, e.g. "512M" (optional)
}

// RunOptions contains options for running an emulator.
type RunOptions struct {
	Name        string   // AVD name or display name (required)
	Port        int      // Console port (0 = auto-assign)
	Writable    bool     // Boot with a writable system partition
	WaitForBoot bool     // Block until Android has booted
	Headless    bool     // No window, audio or boot animation
	ExtraArgs   []string // Additional emulator arguments
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer("emuctl/avdmanager").Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SDKRoot returns the detected SDK directory.
func (m *Manager) SDKRoot() (string, bool) {
	root, ok := m.ctl.Tools.SDKRoot()
	return root.Location, ok
}

// ClearCaches forgets detected tool paths and the installed-package listing.
func (m *Manager) ClearCaches() { m.ctl.ClearCaches() }

// InstalledPackages lists every installed SDK package.
func (m *Manager) InstalledPackages() (_ []PackageInfo, err error) {
	ctx, span := m.startSpan("avdmanager.InstalledPackages")
	defer func() { endSpan(span, err) }()
	inv, err := m.ctl.Tools.InstalledPackages(ctx)
	if err != nil {
		return nil, err
	}
	all := inv.All()
	out := make([]PackageInfo, len(all))
	for i, p := range all {
		out[i] = packageInfo(p)
	}
	return out, nil
}

// SupportedAPIPackages lists installed platforms an emulator can run, newest first.
func (m *Manager) SupportedAPIPackages() (_ []APIPackageInfo, err error) {
	ctx, span := m.startSpan("avdmanager.SupportedAPIPackages")
	defer func() { endSpan(span, err) }()
	pkgs, err := m.ctl.Tools.SupportedAPIPackages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]APIPackageInfo, len(pkgs))
	for i, p := range pkgs {
		out[i] = apiPackageInfo(p)
	}
	return out, nil
}

// FetchSupportedAPIPackage picks the newest supported package matching apiLevel ("" for any).
func (m *Manager) FetchSupportedAPIPackage(apiLevel string) (_ APIPackageInfo, err error) {
	ctx, span := m.startSpan("avdmanager.FetchSupportedAPIPackage", attribute.String("api_level", apiLevel))
	defer func() { endSpan(span, err) }()
	p, err := m.ctl.Tools.FetchSupportedAPIPackage(ctx, apiLevel)
	if err != nil {
		return APIPackageInfo{}, err
	}
	return apiPackageInfo(p), nil
}

// List returns every AVD avdmanager knows about.
func (m *Manager) List() (_ []DeviceInfo, err error) {
	ctx, span := m.startSpan("avdmanager.List")
	defer func() { endSpan(span, err) }()
	devices, err := m.ctl.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = deviceInfo(d)
	}
	return out, nil
}

// ResolveName maps an AVD id or display name to the AVD id.
func (m *Manager) ResolveName(name string) (_ string, err error) {
	ctx, span := m.startSpan("avdmanager.ResolveName", attribute.String("avd_name", name))
	defer func() { endSpan(span, err) }()
	return m.ctl.ResolveDeviceID(ctx, name)
}

// EnsureNotGooglePlay fails when the AVD is missing or runs a Google Play image.
func (m *Manager) EnsureNotGooglePlay(name string) (err error) {
	ctx, span := m.startSpan("avdmanager.EnsureNotGooglePlay", attribute.String("avd_name", name))
	defer func() { endSpan(span, err) }()
	return m.ctl.EnsureNotGooglePlay(ctx, name)
}

// Create creates an AVD from the best installed system image.
func (m *Manager) Create(opts CreateOptions) (_ DeviceInfo, err error) {
	ctx, span := m.startSpan("avdmanager.Create", attribute.String("avd_name", opts.Name))
	defer func() { endSpan(span, err) }()
	d, err := m.ctl.CreateDevice(ctx, avd.CreateOptions{
		Name:          opts.Name,
		APILevel:      opts.APILevel,
		DeviceProfile: opts.DeviceProfile,
		SDCardSize:    opts.SDCardSize,
	})
	if err != nil {
		return DeviceInfo{}, err
	}
	return deviceInfo(d), nil
}

// Delete removes an AVD. Deleting a missing AVD is not an error.
func (m *Manager) Delete(name string) (err error) {
	ctx, span := m.startSpan("avdmanager.Delete", attribute.String("avd_name", name))
	defer func() { endSpan(span, err) }()
	return m.ctl.DeleteDevice(ctx, name)
}

// Run starts an emulator, or returns the running one when it already
// satisfies opts.
func (m *Manager) Run(opts RunOptions) (_ ProcessInfo, err error) {
	ctx, span := m.startSpan("avdmanager.Run",
		attribute.String("avd_name", opts.Name),
		attribute.Int("port", opts.Port),
	)
	defer func() { endSpan(span, err) }()
	port, err := m.ctl.Start(ctx, opts.Name, avd.StartOptions{
		Writable:    opts.Writable,
		WaitForBoot: opts.WaitForBoot,
		Headless:    opts.Headless,
		Port:        opts.Port,
		ExtraArgs:   opts.ExtraArgs,
	})
	if err != nil {
		return ProcessInfo{}, err
	}
	name, err := m.ctl.ResolveDeviceID(ctx, opts.Name)
	if err != nil {
		return ProcessInfo{}, err
	}
	return ProcessInfo{Serial: avd.Serial(port), Name: name, Port: port, Booted: opts.WaitForBoot}, nil
}

// ListRunning returns all currently running emulator instances.
func (m *Manager) ListRunning() (_ []ProcessInfo, err error) {
	ctx, span := m.startSpan("avdmanager.ListRunning")
	defer func() { endSpan(span, err) }()
	procs, err := m.ctl.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]ProcessInfo, len(procs))
	for i, p := range procs {
		result[i] = ProcessInfo{
			Serial: p.Serial,
			Name:   p.Name,
			Port:   p.Port,
			PID:    p.PID,
			Booted: p.Booted,
		}
	}
	return result, nil
}

// AllocatePort returns the console port the next emulator would get.
func (m *Manager) AllocatePort() (_ int, err error) {
	ctx, span := m.startSpan("avdmanager.AllocatePort")
	defer func() { endSpan(span, err) }()
	return m.ctl.Ports.AllocateNextPort(ctx)
}

// Stop powers down a running emulator by serial (e.g., "emulator-5580")
// and waits until adb no longer lists it.
func (m *Manager) Stop(serial string) (err error) {
	ctx, span := m.startSpan("avdmanager.Stop", attribute.String("serial", serial))
	defer func() { endSpan(span, err) }()
	port, err := portFromSerial(serial)
	if err != nil {
		return err
	}
	return m.ctl.Stop(ctx, port, true)
}

// StopByName stops a running emulator by AVD name.
func (m *Manager) StopByName(name string) (err error) {
	ctx, span := m.startSpan("avdmanager.StopByName", attribute.String("avd_name", name))
	defer func() { endSpan(span, err) }()
	port, ok, err := m.ctl.Ports.FindPortForName(ctx, name)
	if err != nil || !ok {
		return err // Not running
	}
	return m.ctl.Stop(ctx, port, true)
}

// Reboot restarts a running emulator, optionally waiting for it to boot.
func (m *Manager) Reboot(serial string, waitForBoot bool) (err error) {
	ctx, span := m.startSpan("avdmanager.Reboot", attribute.String("serial", serial))
	defer func() { endSpan(span, err) }()
	port, err := portFromSerial(serial)
	if err != nil {
		return err
	}
	return m.ctl.Reboot(ctx, port, waitForBoot)
}

// WaitForBoot waits for an emulator to fully boot Android. A zero timeout
// uses the configured boot timeout.
func (m *Manager) WaitForBoot(serial string, timeout time.Duration) error {
	return m.WaitForBootWithProgress(serial, timeout, nil)
}

// WaitForBootWithProgress is WaitForBoot reporting each boot stage to progress.
func (m *Manager) WaitForBootWithProgress(serial string, timeout time.Duration, progress func(stage string, elapsed time.Duration)) (err error) {
	ctx, span := m.startSpan("avdmanager.WaitForBoot", attribute.String("serial", serial))
	defer func() { endSpan(span, err) }()
	return m.ctl.WaitForBootWithProgress(ctx, serial, timeout, progress)
}

// RootWritableSystem boots name with a writable system partition, roots
// adbd and remounts /system read-write. It returns the emulator serial.
func (m *Manager) RootWritableSystem(name string) (_ string, err error) {
	ctx, span := m.startSpan("avdmanager.RootWritableSystem", attribute.String("avd_name", name))
	defer func() { endSpan(span, err) }()
	port, err := m.ctl.MountAsRootWritableSystem(ctx, name)
	if err != nil {
		return "", err
	}
	return avd.Serial(port), nil
}

// IsSystemWritable reports whether a running emulator was started with a
// writable system partition. Errors read as false.
func (m *Manager) IsSystemWritable(serial string) bool {
	ctx, span := m.startSpan("avdmanager.IsSystemWritable", attribute.String("serial", serial))
	defer span.End()
	port, err := portFromSerial(serial)
	if err != nil {
		return false
	}
	return m.ctl.IsSystemWritable(ctx, port)
}

// ReadConfig returns the config.ini entries of an AVD; a missing or
// unreadable file yields an empty map.
func (m *Manager) ReadConfig(name string) map[string]string {
	return m.ctl.Config.Read(name).Map()
}

// SetConfig sets values in the config.ini of an AVD, keeping existing
// entries. It reports whether the file was written.
func (m *Manager) SetConfig(name string, values map[string]string) bool {
	cfg := m.ctl.Config.Read(name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg.Set(k, values[k])
	}
	return m.ctl.Config.Write(name, cfg)
}

// NormalizeConfig applies the standard network, GPU and skin settings.
func (m *Manager) NormalizeConfig(name string) bool {
	return m.ctl.Config.Normalize(name)
}

func portFromSerial(serial string) (int, error) {
	port, err := strconv.Atoi(strings.TrimPrefix(serial, "emulator-"))
	if err != nil || !strings.HasPrefix(serial, "emulator-") {
		return 0, fmt.Errorf("invalid serial format: %s (expected emulator-XXXX): %w", serial, errdefs.ErrInvalidArgument)
	}
	return port, nil
}

func packageInfo(p avd.Package) PackageInfo {
	return PackageInfo{
		Path:        p.Path,
		Category:    string(p.Category),
		Version:     p.Version.String(),
		Description: p.Description,
		Location:    p.Location,
	}
}

func apiPackageInfo(p avd.APIPackage) APIPackageInfo {
	out := APIPackageInfo{Platform: packageInfo(p.Platform)}
	if p.SystemImage != nil {
		img := packageInfo(*p.SystemImage)
		out.SystemImage = &img
	}
	return out
}

func deviceInfo(d avd.VirtualDevice) DeviceInfo {
	info := DeviceInfo{
		Name:        d.Name,
		DisplayName: d.DisplayName,
		Device:      d.Device,
		Path:        d.Path,
		Target:      d.Target,
		Tag:         d.Tag,
		ABI:         d.ABI,
		SDCardBytes: d.SDCardBytes,
	}
	if !d.APILevel.IsZero() {
		info.APILevel = d.APILevel.String()
	}
	return info
}

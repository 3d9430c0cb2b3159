// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/cases"

	"github.com/forkbombeu/emuctl/internal/version"
)

// VirtualDevice is one AVD as reported by `avdmanager list avd`. It is never
// cached: devices are created and deleted behind our back.
type VirtualDevice struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Device      string          `json:"device,omitempty"`
	Path        string          `json:"path"`
	Target      string          `json:"target,omitempty"`
	BasedOn     string          `json:"based_on,omitempty"`
	Tag         string          `json:"tag,omitempty"`
	ABI         string          `json:"abi,omitempty"`
	APILevel    version.Version `json:"api_level"`
	SDCard      string          `json:"sdcard,omitempty"`
	SDCardBytes int64           `json:"sdcard_bytes,omitempty"`
}

const playStoreTag = "google_apis_playstore"

// IsGooglePlay reports whether the device runs a Play Store image, which
// cannot be rooted.
func (d VirtualDevice) IsGooglePlay() bool { return d.Tag == playStoreTag }

// ParseAVDList parses `avdmanager list avd` output. Devices listed under
// "could not be loaded" are ignored.
func ParseAVDList(text string) []VirtualDevice {
	var (
		out     []VirtualDevice
		current *VirtualDevice
	)
	flush := func() {
		if current != nil && current.Name != "" {
			out = append(out, *current)
		}
		current = nil
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "---"):
			flush()
			continue
		case strings.Contains(line, "could not be loaded"):
			flush()
			return out
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Name":
			flush()
			current = &VirtualDevice{Name: value}
		case "Device":
			if current != nil {
				current.Device = value
			}
		case "Path":
			if current != nil {
				current.Path = value
			}
		case "Target":
			if current != nil {
				current.Target = value
			}
		case "Based on":
			if current != nil {
				basedOn, tagABI, _ := strings.Cut(value, "Tag/ABI:")
				current.BasedOn = strings.TrimSpace(basedOn)
				tag, abi, _ := strings.Cut(strings.TrimSpace(tagABI), "/")
				current.Tag, current.ABI = strings.TrimSpace(tag), strings.TrimSpace(abi)
			}
		case "Sdcard":
			if current != nil {
				current.SDCard = value
				if n, err := units.RAMInBytes(value); err == nil {
					current.SDCardBytes = n
				}
			}
		}
	}
	flush()
	return out
}

// DeviceProfile is the profile id of Device, e.g. "pixel_6" for
// "pixel_6 (Google)".
func (d VirtualDevice) DeviceProfile() string {
	profile, _, _ := strings.Cut(d.Device, " (")
	return strings.TrimSpace(profile)
}

// ListDevices queries avdmanager for every AVD and completes each entry from
// its config.ini (display name, API level).
func (c *Controller) ListDevices(ctx context.Context) ([]VirtualDevice, error) {
	ctx, span := startSpanContext(ctx, c.env, "avd.ListDevices")
	defer span.End()
	avdmanager, err := c.Tools.AvdManagerPath()
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	res, err := c.runner.Run(ctx, avdmanager, "list", "avd")
	if err != nil {
		terr := newToolError("avdmanager", res, err)
		recordSpanError(span, terr)
		return nil, terr
	}
	devices := ParseAVDList(res.Stdout)
	for i := range devices {
		c.completeFromConfig(&devices[i])
	}
	span.SetAttributes(attribute.Int("devices", len(devices)))
	return devices, nil
}

func (c *Controller) completeFromConfig(d *VirtualDevice) {
	path := c.Config.Path(d.Name)
	if d.Path != "" {
		path = filepath.Join(d.Path, "config.ini")
	}
	cfg := readConfigFile(c.env, path)
	if v, ok := cfg.Get("avd.ini.displayname"); ok {
		d.DisplayName = v
	}
	if sysdir, ok := cfg.Get("image.sysdir.1"); ok {
		segments := strings.Split(filepath.ToSlash(sysdir), "/")
		if len(segments) > 1 {
			if api, ok := parseAPILevel(segments[1]); ok {
				d.APILevel = api
			}
		}
		if d.Tag == "" && len(segments) > 2 {
			d.Tag = segments[2]
		}
	}
}

// normalizeDeviceName folds case and treats '_' and '-' as spaces.
func normalizeDeviceName(s string) string {
	s = cases.Fold().String(s)
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func sameDeviceName(a, b string) bool {
	return normalizeDeviceName(a) == normalizeDeviceName(b)
}

// FindDevice looks a device up by id or display name. A missing device is
// reported with ok == false.
func (c *Controller) FindDevice(ctx context.Context, name string) (VirtualDevice, bool, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return VirtualDevice{}, false, err
	}
	d, ok := matchDevice(devices, name)
	return d, ok, nil
}

func matchDevice(devices []VirtualDevice, name string) (VirtualDevice, bool) {
	want := normalizeDeviceName(name)
	for _, d := range devices {
		if normalizeDeviceName(d.Name) == want {
			return d, true
		}
	}
	for _, d := range devices {
		if d.DisplayName != "" && normalizeDeviceName(d.DisplayName) == want {
			return d, true
		}
	}
	return VirtualDevice{}, false
}

// ResolveDeviceID maps an id or display name to the canonical AVD id.
func (c *Controller) ResolveDeviceID(ctx context.Context, name string) (string, error) {
	d, err := c.requireDevice(ctx, name)
	if err != nil {
		return "", err
	}
	return d.Name, nil
}

func (c *Controller) requireDevice(ctx context.Context, name string) (VirtualDevice, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return VirtualDevice{}, err
	}
	if d, ok := matchDevice(devices, name); ok {
		return d, nil
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return VirtualDevice{}, newNotFound("virtual device", name, names)
}

// EnsureNotGooglePlay fails when name does not exist or runs a Play Store
// image.
func (c *Controller) EnsureNotGooglePlay(ctx context.Context, name string) error {
	d, err := c.requireDevice(ctx, name)
	if err != nil {
		return err
	}
	if d.IsGooglePlay() {
		return fmt.Errorf("%s uses a Google Play image and cannot be rooted: %w", d.Name, errdefs.ErrFailedPrecondition)
	}
	return nil
}

// CreateOptions describe a new AVD.
type CreateOptions struct {
	Name          string // AVD id (required)
	APILevel      string // empty picks the newest supported level
	DeviceProfile string // e.g. "pixel_6"
	SDCardSize    string // e.g. "512M", "1 GB"
}

// minSDCardBytes is the smallest card mksdcard accepts.
const minSDCardBytes = 9 * 1024 * 1024

// CreateDevice creates an AVD from the best installed system image for
// opts.APILevel and normalizes its config.
func (c *Controller) CreateDevice(ctx context.Context, opts CreateOptions) (VirtualDevice, error) {
	ctx, span := startSpanContext(ctx, c.env, "avd.CreateDevice",
		attribute.String("name", opts.Name),
		attribute.String("api_level", opts.APILevel),
	)
	defer span.End()
	if strings.TrimSpace(opts.Name) == "" {
		err := fmt.Errorf("empty AVD name: %w", errdefs.ErrInvalidArgument)
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}
	var sdcard string
	if opts.SDCardSize != "" {
		n, err := units.RAMInBytes(opts.SDCardSize)
		if err != nil || n < minSDCardBytes {
			err = fmt.Errorf("sdcard size %q must be at least %s: %w",
				opts.SDCardSize, units.BytesSize(minSDCardBytes), errdefs.ErrInvalidArgument)
			recordSpanError(span, err)
			return VirtualDevice{}, err
		}
		sdcard = fmt.Sprintf("%dM", n/(1024*1024))
	}

	pkg, err := c.Tools.FetchSupportedAPIPackage(ctx, opts.APILevel)
	if err != nil {
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}
	if pkg.SystemImage == nil {
		err := fmt.Errorf("no system image installed for %s: %w", pkg.Platform.Path, errdefs.ErrNotFound)
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}
	avdmanager, err := c.Tools.AvdManagerPath()
	if err != nil {
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}

	args := []string{"create", "avd", "-n", opts.Name, "-k", pkg.SystemImage.Path, "--force"}
	if opts.DeviceProfile != "" {
		args = append(args, "-d", opts.DeviceProfile)
	}
	if sdcard != "" {
		args = append(args, "-c", sdcard)
	}
	logEvent(c.env, "avd create start", "name", opts.Name, "system_image", pkg.SystemImage.Path)
	// avdmanager asks whether to create a custom hardware profile.
	res, err := c.runner.RunInput(ctx, "no\n", avdmanager, args...)
	if err != nil {
		terr := newToolError("avdmanager", res, err)
		recordSpanError(span, terr)
		return VirtualDevice{}, terr
	}
	c.Config.Normalize(opts.Name)

	d, ok, err := c.FindDevice(ctx, opts.Name)
	if err != nil {
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}
	if !ok {
		err := fmt.Errorf("avdmanager reported success but %s is not listed: %w", opts.Name, errdefs.ErrNotFound)
		recordSpanError(span, err)
		return VirtualDevice{}, err
	}
	logEvent(c.env, "avd create finished", "name", d.Name, "path", d.Path, "api_level", d.APILevel.String())
	return d, nil
}

// DeleteDevice removes an AVD. Deleting a missing device succeeds.
func (c *Controller) DeleteDevice(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", errdefs.ErrInvalidArgument)
	}
	ctx, span := startSpanContext(ctx, c.env, "avd.DeleteDevice", attribute.String("name", name))
	defer span.End()
	d, ok, err := c.FindDevice(ctx, name)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	if !ok {
		return nil
	}
	avdmanager, err := c.Tools.AvdManagerPath()
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	res, err := c.runner.Run(ctx, avdmanager, "delete", "avd", "-n", d.Name)
	if err != nil {
		terr := newToolError("avdmanager", res, err)
		if strings.Contains(strings.ToLower(terr.Output), "there is no android virtual device named") {
			return nil
		}
		recordSpanError(span, terr)
		return terr
	}
	logEvent(c.env, "avd deleted", "name", d.Name)
	return nil
}

// IsNotFound reports whether err means a device or package is missing.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errdefs.IsNotFound(err)
}

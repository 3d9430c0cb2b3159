// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuctl/internal/version"
)

// APIPackage is an installed platform together with the system image an
// emulator for it would boot. SystemImage is nil only when emulator images
// are not required by the settings.
type APIPackage struct {
	Platform    Package  `json:"platform"`
	SystemImage *Package `json:"system_image,omitempty"`
}

// SystemImageID is the sdkmanager path of the matched image, or "".
func (p APIPackage) SystemImageID() string {
	if p.SystemImage == nil {
		return ""
	}
	return p.SystemImage.Path
}

// SupportedAPIPackages lists the installed platforms that satisfy the
// minimum supported API level (and, when required, have a bootable system
// image), newest first.
func (t *Toolchain) SupportedAPIPackages(ctx context.Context) ([]APIPackage, error) {
	if _, ok := t.SDKRoot(); !ok {
		return nil, ErrSDKRootNotSet
	}
	inv, err := t.InstalledPackages(ctx)
	if err != nil {
		return nil, err
	}
	return resolveAPIPackages(inv, t.env.Settings)
}

// FetchSupportedAPIPackage picks the newest supported package, or the newest
// one whose API level matches apiLevel when it is not empty.
func (t *Toolchain) FetchSupportedAPIPackage(ctx context.Context, apiLevel string) (APIPackage, error) {
	ctx, span := startSpanContext(ctx, t.env, "avd.FetchSupportedAPIPackage",
		attribute.String("api_level", apiLevel))
	defer span.End()
	candidates, err := t.SupportedAPIPackages(ctx)
	if err != nil {
		recordSpanError(span, err)
		return APIPackage{}, err
	}
	pkg, err := selectAPIPackage(candidates, apiLevel)
	if err != nil {
		recordSpanError(span, err)
		return APIPackage{}, err
	}
	span.SetAttributes(attribute.String("platform", pkg.Platform.Path), attribute.String("system_image", pkg.SystemImageID()))
	return pkg, nil
}

func resolveAPIPackages(inv *Inventory, settings Settings) ([]APIPackage, error) {
	if inv.Empty() {
		return nil, ErrNoPackages
	}
	minAPI := settings.minSupportedAPI()
	var supported []Package
	for _, p := range inv.Platforms() {
		if p.Version.SameOrNewer(minAPI) {
			supported = append(supported, p)
		}
	}
	if len(supported) == 0 {
		return nil, fmt.Errorf("minimum api level %s: %w", minAPI, ErrNoSupportedPackage)
	}

	mustHaveImage := settings.requireEmulatorImages()
	var out []APIPackage
	for _, p := range supported {
		img := matchSystemImage(p, inv.SystemImages(), settings.architectures(), settings.imageFlavors())
		if img == nil && mustHaveImage {
			continue
		}
		out = append(out, APIPackage{Platform: p, SystemImage: img})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no system image installed for any platform at api level %s or newer: %w",
			minAPI, ErrNoSupportedPackage)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Platform.Version.Compare(out[j].Platform.Version) > 0
	})
	return out, nil
}

// matchSystemImage tries architectures in order, and image flavors in order
// within each architecture; the first installed image wins.
func matchSystemImage(platform Package, images []Package, archs, flavors []string) *Package {
	segment := "android-" + platform.Version.String()
	for _, arch := range archs {
		for _, flavor := range flavors {
			want := fmt.Sprintf("%s;%s;%s;%s", CategorySystemImages, segment, flavor, arch)
			for i := range images {
				if images[i].Path == want {
					img := images[i]
					return &img
				}
			}
		}
	}
	return nil
}

func selectAPIPackage(candidates []APIPackage, apiLevel string) (APIPackage, error) {
	if len(candidates) == 0 {
		return APIPackage{}, ErrNoSupportedPackage
	}
	if apiLevel == "" {
		return candidates[0], nil
	}
	want, err := version.Parse(apiLevel)
	if err != nil {
		return APIPackage{}, err
	}
	for _, c := range candidates {
		if c.Platform.Version.Same(want) {
			return c, nil
		}
	}
	return APIPackage{}, fmt.Errorf("api level %s: %w", apiLevel, errdefs.ErrNotFound)
}

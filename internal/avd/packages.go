// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuctl/internal/version"
)

// Category is the first segment of an SDK package path.
type Category string

const (
	CategoryPlatforms    Category = "platforms"
	CategorySystemImages Category = "system-images"
	CategoryBuildTools   Category = "build-tools"
)

// Package is one installed SDK component. Version is the API level for
// platforms and system images and the package revision for everything else.
// Platform and Image are set only for their respective categories.
type Package struct {
	Path        string          `json:"path"`
	Category    Category        `json:"category"`
	Version     version.Version `json:"version"`
	Revision    string          `json:"revision"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Platform    *PlatformInfo   `json:"platform,omitempty"`
	Image       *ImageInfo      `json:"image,omitempty"`
}

type PlatformInfo struct {
	API version.Version `json:"api"`
}

type ImageInfo struct {
	API    version.Version `json:"api"`
	Flavor string          `json:"flavor"`
	ABI    string          `json:"abi"`
}

// Inventory indexes installed packages by category, preserving listing order.
type Inventory struct {
	order    []Category
	packages map[Category][]Package
}

func newInventory() *Inventory {
	return &Inventory{packages: make(map[Category][]Package)}
}

func (inv *Inventory) add(p Package) {
	if _, ok := inv.packages[p.Category]; !ok {
		inv.order = append(inv.order, p.Category)
	}
	inv.packages[p.Category] = append(inv.packages[p.Category], p)
}

// Category returns the packages of c in listing order.
func (inv *Inventory) Category(c Category) []Package {
	if inv == nil {
		return nil
	}
	return inv.packages[c]
}

func (inv *Inventory) Platforms() []Package    { return inv.Category(CategoryPlatforms) }
func (inv *Inventory) SystemImages() []Package { return inv.Category(CategorySystemImages) }
func (inv *Inventory) BuildTools() []Package   { return inv.Category(CategoryBuildTools) }

// Categories lists categories in first-seen order.
func (inv *Inventory) Categories() []Category {
	if inv == nil {
		return nil
	}
	return append([]Category(nil), inv.order...)
}

// All returns every package grouped by category.
func (inv *Inventory) All() []Package {
	var out []Package
	for _, c := range inv.Categories() {
		out = append(out, inv.packages[c]...)
	}
	return out
}

func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	n := 0
	for _, ps := range inv.packages {
		n += len(ps)
	}
	return n
}

func (inv *Inventory) Empty() bool { return inv.Len() == 0 }

var apiLevelPattern = regexp.MustCompile(`^android-(\d+(?:\.\d+){0,2})`)

// ParseRawPackagesString parses `sdkmanager --list_installed` output.
//
// Rows are "path | version | description | location"; the last two columns
// are optional. Only rows before any heading or under "Installed packages:"
// are read; other sections, header rows and malformed lines are skipped.
func ParseRawPackagesString(text string) *Inventory {
	inv := newInventory()
	inInstalled := true
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "|") {
			if strings.HasSuffix(line, ":") {
				inInstalled = strings.EqualFold(line, "Installed packages:")
			}
			continue
		}
		if !inInstalled {
			continue
		}
		if p, ok := parsePackageRow(line); ok {
			inv.add(p)
		}
	}
	return inv
}

func parsePackageRow(line string) (Package, bool) {
	cols := strings.Split(line, "|")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	path := cols[0]
	if path == "" || path == "Path" || strings.HasPrefix(path, "---") || strings.ContainsAny(path, " \t") {
		return Package{}, false
	}
	p := Package{Path: path, Revision: cols[1]}
	if p.Revision == "" || strings.HasPrefix(p.Revision, "---") {
		return Package{}, false
	}
	if len(cols) > 2 {
		p.Description = cols[2]
	}
	if len(cols) > 3 {
		p.Location = cols[3]
	}

	segments := strings.Split(path, ";")
	p.Category = Category(segments[0])
	switch p.Category {
	case CategoryPlatforms:
		if len(segments) != 2 {
			return Package{}, false
		}
		api, ok := parseAPILevel(segments[1])
		if !ok {
			return Package{}, false
		}
		p.Version = api
		p.Platform = &PlatformInfo{API: api}
	case CategorySystemImages:
		if len(segments) != 4 {
			return Package{}, false
		}
		api, ok := parseAPILevel(segments[1])
		if !ok {
			return Package{}, false
		}
		p.Version = api
		p.Image = &ImageInfo{API: api, Flavor: segments[2], ABI: segments[3]}
	default:
		if v, err := version.Parse(p.Revision); err == nil {
			p.Version = v
		}
	}
	return p, true
}

// parseAPILevel reads the numeric level of an "android-NN" path segment;
// extension suffixes such as "-ext4" are ignored.
func parseAPILevel(segment string) (version.Version, bool) {
	m := apiLevelPattern.FindStringSubmatch(segment)
	if m == nil {
		return version.Version{}, false
	}
	v, err := version.Parse(m[1])
	if err != nil {
		return version.Version{}, false
	}
	return v, true
}

// InstalledPackages returns the memoized inventory, running the package
// listing tool once if nothing has been recorded yet. An empty listing is
// returned but not memoized.
func (t *Toolchain) InstalledPackages(ctx context.Context) (*Inventory, error) {
	t.mu.RLock()
	cached := t.inventory
	t.mu.RUnlock()
	if !cached.Empty() {
		return cached, nil
	}

	ctx, span := startSpanContext(ctx, t.env, "avd.InstalledPackages")
	defer span.End()
	sdkmanager, err := t.SdkManagerPath()
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	logEvent(t.env, "listing installed sdk packages", "tool", sdkmanager)
	res, err := t.runner.Run(ctx, sdkmanager, "--list_installed")
	if err != nil {
		terr := newToolError("sdkmanager", res, err)
		recordSpanError(span, terr)
		return nil, terr
	}
	inv := ParseRawPackagesString(res.Stdout)
	span.SetAttributes(attribute.Int("packages", inv.Len()))
	if !inv.Empty() {
		t.mu.Lock()
		t.inventory = inv
		t.mu.Unlock()
	}
	return inv, nil
}

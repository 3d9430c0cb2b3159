// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package version implements the dotted version numbers used by SDK packages
// and API levels ("30", "30.1", "30.0.3").
//
// Missing components behave as wildcards for Same and as zero for Compare.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/errdefs"
)

const maxComponents = 3

// Version is an immutable version of one to three numeric components.
type Version struct {
	parts [maxComponents]uint64
	n     int
}

// ParseError reports a string that is not a dotted numeric version.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return errdefs.ErrInvalidArgument }

// Parse parses s, skipping any non-numeric qualifier before the first digit
// ("android-30" and "v30.1" are accepted).
func Parse(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	start := strings.IndexFunc(trimmed, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return Version{}, &ParseError{Input: s, Reason: "no numeric component"}
	}
	segments := strings.Split(trimmed[start:], ".")
	if len(segments) > maxComponents {
		return Version{}, &ParseError{Input: s, Reason: "too many components"}
	}
	var v Version
	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		n, err := strconv.ParseUint(seg, 10, 64)
		if err != nil {
			return Version{}, &ParseError{Input: s, Reason: fmt.Sprintf("component %q is not numeric", seg)}
		}
		v.parts[i] = n
	}
	v.n = len(segments)
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return v.n == 0 }

// Major returns the first component.
func (v Version) Major() uint64 { return v.parts[0] }

// Minor returns the second component and whether it was present.
func (v Version) Minor() (uint64, bool) { return v.parts[1], v.n > 1 }

// Patch returns the third component and whether it was present.
func (v Version) Patch() (uint64, bool) { return v.parts[2], v.n > 2 }

func (v Version) String() string {
	if v.n == 0 {
		return ""
	}
	out := make([]string, v.n)
	for i := 0; i < v.n; i++ {
		out[i] = strconv.FormatUint(v.parts[i], 10)
	}
	return strings.Join(out, ".")
}

func (v Version) semver() *semver.Version {
	return semver.New(v.parts[0], v.parts[1], v.parts[2], "", "")
}

// Compare returns -1, 0 or 1. Missing components count as zero.
func Compare(a, b Version) int {
	return a.semver().Compare(b.semver())
}

// Same reports whether every component present in both a and b is equal,
// so "29" is the same as "29.1" but "29.0" is not the same as "29.1".
func Same(a, b Version) bool {
	n := min(a.n, b.n)
	for i := 0; i < n; i++ {
		if a.parts[i] != b.parts[i] {
			return false
		}
	}
	return true
}

// SameOrNewer reports whether a >= b.
func SameOrNewer(a, b Version) bool { return Compare(a, b) >= 0 }

// Compare is the method form of the package-level Compare.
func (v Version) Compare(o Version) int { return Compare(v, o) }

// Same is the method form of the package-level Same.
func (v Version) Same(o Version) bool { return Same(v, o) }

// SameOrNewer is the method form of the package-level SameOrNewer.
func (v Version) SameOrNewer(o Version) bool { return SameOrNewer(v, o) }

// MarshalText encodes v in dotted form.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText parses a dotted version; an empty input yields the zero Version.
func (v *Version) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*v = Version{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

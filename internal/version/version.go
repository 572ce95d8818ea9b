// Package version handles the four part add-on version
// (major.minor.patch.build) forwarded to the daemon.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Current is the running version. Overridden at build time with
// -ldflags "-X github.com/carlosprados/assetlink/internal/version.Current=...".
var Current = "3.12.0.0"

// Version is a semantic version plus a monotonically increasing build number.
type Version struct {
	Major, Minor, Patch uint64
	Build               uint64
}

// Parse accepts "M.m.p" or "M.m.p.b".
func Parse(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.Split(s, ".")
	var build uint64
	switch len(parts) {
	case 3:
	case 4:
		b, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("parse version %q: build: %w", s, err)
		}
		build = b
		parts = parts[:3]
	default:
		return Version{}, fmt.Errorf("parse version %q: want 3 or 4 components", s)
	}
	sv, err := semver.StrictNewVersion(strings.Join(parts, "."))
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	return Version{Major: sv.Major(), Minor: sv.Minor(), Patch: sv.Patch(), Build: build}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders all four components, the form the daemon expects.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// Semver drops the build number.
func (v Version) Semver() *semver.Version {
	return semver.New(v.Major, v.Minor, v.Patch, "", "")
}

// Compare orders by semver first, then build.
func (v Version) Compare(o Version) int {
	if c := v.Semver().Compare(o.Semver()); c != 0 {
		return c
	}
	switch {
	case v.Build < o.Build:
		return -1
	case v.Build > o.Build:
		return 1
	}
	return 0
}

// Satisfies reports whether v matches a constraint such as ">= 3.10".
func (v Version) Satisfies(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v.Semver()), nil
}

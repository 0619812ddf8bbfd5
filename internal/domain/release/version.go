package release

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// versionPattern is the only accepted shape of a release version.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ErrInvalidVersion is returned for strings that are not an x.y.z triple.
var ErrInvalidVersion = errors.New("version must be three dot-separated numbers (x.y.z)")

// Version is a released NetBox version. The zero value means "unknown".
type Version struct {
	sv *semver.Version
}

// Parse accepts exactly x.y.z, ignoring surrounding whitespace.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if !versionPattern.MatchString(s) {
		return Version{}, fmt.Errorf("%q: %w", s, ErrInvalidVersion)
	}

	sv, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("%q: %w", s, ErrInvalidVersion)
	}

	return Version{sv: sv}, nil
}

// ParseTag accepts a release tag such as "v2.9.9" or a bare "2.9.9".
func ParseTag(tag string) (Version, error) {
	return Parse(strings.TrimPrefix(strings.TrimSpace(tag), "v"))
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return v
}

// IsZero reports whether the version is unknown.
func (v Version) IsZero() bool {
	return v.sv == nil
}

// String renders the version as x.y.z, or an empty string when unknown.
func (v Version) String() string {
	if v.sv == nil {
		return ""
	}

	return fmt.Sprintf("%d.%d.%d", v.sv.Major(), v.sv.Minor(), v.sv.Patch())
}

// Compare returns -1, 0 or 1. An unknown version sorts before every known one.
func (v Version) Compare(other Version) int {
	switch {
	case v.sv == nil && other.sv == nil:
		return 0
	case v.sv == nil:
		return -1
	case other.sv == nil:
		return 1
	default:
		return v.sv.Compare(other.sv)
	}
}

// Equal reports whether both versions name the same release.
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

// LessThan reports whether v is older than other.
func (v Version) LessThan(other Version) bool {
	return v.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero value.
func (v *Version) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*v = Version{}
		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

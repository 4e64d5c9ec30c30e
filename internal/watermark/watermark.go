// Package watermark implements the lexicographically-ordered
// (major, minor) version pair used to locate a position in the
// upstream change stream, per spec.md §4.1.
package watermark

import (
	"strconv"
	"strings"

	"github.com/zerocache/sync-engine/internal/errors"
)

// minorWidth is the fixed width the minor counter is zero-padded to so
// that the canonical string form sorts correctly as plain bytes: "130.01"
// must sort before "130.10", which a variable-width encoding would get
// wrong ("130.1" vs "130.10" compares equal-prefix but different length).
const minorWidth = 2

// Version is the (major, minor) pair. major is an opaque, already
// lexicographically-ordered token from the upstream log position (a
// raw LSN-like string); minor is a local sub-counter stacking backfill
// transactions on top of a given major.
type Version struct {
	Major string
	Minor uint64
}

// FromString parses the canonical string form. "130" parses as
// {Major: "130", Minor: 0}; "130.01" parses as {Major: "130", Minor: 1}.
func FromString(s string) (Version, error) {
	if s == "" {
		return Version{}, errors.New("watermark: empty string")
	}

	major, minorStr, hasMinor := strings.Cut(s, ".")
	if major == "" {
		return Version{}, errors.Newf("watermark: malformed %q: empty major", s)
	}

	if !hasMinor {
		return Version{Major: major, Minor: 0}, nil
	}

	if len(minorStr) != minorWidth {
		return Version{}, errors.Newf("watermark: malformed %q: minor must be %d digits", s, minorWidth)
	}

	minor, err := strconv.ParseUint(minorStr, 10, 64)
	if err != nil {
		return Version{}, errors.Wrapf(err, "watermark: malformed minor in %q", s)
	}

	return Version{Major: major, Minor: minor}, nil
}

// String renders the canonical form. A zero minor omits the suffix
// entirely so that "fresh" watermarks (no backfill stacked on them)
// round-trip to the same bare-major string the upstream reader emits.
func (v Version) String() string {
	if v.Minor == 0 {
		return v.Major
	}
	return v.Major + "." + padMinor(v.Minor)
}

func padMinor(minor uint64) string {
	s := strconv.FormatUint(minor, 10)
	if len(s) >= minorWidth {
		return s
	}
	return strings.Repeat("0", minorWidth-len(s)) + s
}

// Succ returns the successor version: same major, minor incremented by
// one. Backfill-generated transactions always have Minor > 0 (spec.md
// §3 invariant iii), so stacking a backfill tx onto a bare major (minor
// 0) via Succ yields minor 1, satisfying that invariant.
func (v Version) Succ() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// Less reports whether v sorts strictly before other in the total
// order defined by the canonical string form.
func (v Version) Less(other Version) bool {
	return v.String() < other.String()
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other, for use in sort.Slice and similar.
func (v Version) Compare(other Version) int {
	a, b := v.String(), other.String()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether v is the unset zero value.
func (v Version) IsZero() bool {
	return v.Major == "" && v.Minor == 0
}

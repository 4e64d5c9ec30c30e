// Package version models the protocol-version and replica-schema-version
// bounds of spec.md §4.10/§4.16 as *semver.Version, so the handshake
// bound check and schema-version ordering share one ordering
// implementation instead of hand-rolled integer compares. Grounded on the teacher's own
// cmd/qntx/commands/version.go (a bare version string with no
// comparison logic of its own) generalized to an actual bounds check,
// since this spec needs ordering the teacher's CLI-only version print
// never did.
package version

import (
	"github.com/Masterminds/semver/v3"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
)

// Bounds is a [Min, Max] inclusive protocol-version window, per
// spec.md §4.10 ("protocolVersion ∈ [MIN_SERVER_SUPPORTED, CURRENT]").
type Bounds struct {
	Min *semver.Version
	Max *semver.Version
}

// NewBounds parses min/max version strings into a Bounds.
func NewBounds(min, max string) (Bounds, error) {
	minV, err := semver.NewVersion(min)
	if err != nil {
		return Bounds{}, srverrors.Wrapf(err, "version: invalid min bound %q", min)
	}
	maxV, err := semver.NewVersion(max)
	if err != nil {
		return Bounds{}, srverrors.Wrapf(err, "version: invalid max bound %q", max)
	}
	if maxV.LessThan(minV) {
		return Bounds{}, srverrors.Newf("version: max bound %q is below min bound %q", max, min)
	}
	return Bounds{Min: minV, Max: maxV}, nil
}

// Supports reports whether candidate falls within b, inclusive.
func (b Bounds) Supports(candidate string) bool {
	v, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	return !v.LessThan(b.Min) && !v.GreaterThan(b.Max)
}

// CompareSchema orders two semver schema versions, returning -1, 0,
// or 1. internal/replica's migrator does not call it: it detects an
// incompatible gap from the numeric prefixes of its migration files.
func CompareSchema(a, b string) (int, error) {
	av, err := semver.NewVersion(a)
	if err != nil {
		return 0, srverrors.Wrapf(err, "version: invalid schema version %q", a)
	}
	bv, err := semver.NewVersion(b)
	if err != nil {
		return 0, srverrors.Wrapf(err, "version: invalid schema version %q", b)
	}
	return av.Compare(bv), nil
}

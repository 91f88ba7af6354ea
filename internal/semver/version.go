// Package semver implements the lenient, patch-chain-aware version
// ordering distilled spec §4.9 requires: "[v]MAJOR.MINOR.PATCH[+N]",
// non-numeric components default to 0, compared as a 4-tuple with the
// trailing +N (patchIndex) as the most significant tie-breaker after
// (major, minor, patch).
//
// This is deliberately not built on a strict-SemVer library: SemVer 2.0.0
// treats "+N" as build metadata that never participates in ordering,
// which would make every patch within a release compare equal and break
// ChainApplier's "choose the candidate with maximum toVersion" rule. See
// DESIGN.md.
package semver

import (
	"strconv"
	"strings"
)

// Version is the parsed 4-tuple (major, minor, patch, patchIndex).
type Version struct {
	Major, Minor, Patch, PatchIndex int
}

// Parse parses "[v]MAJOR.MINOR.PATCH[+N]", defaulting any missing or
// non-numeric component to 0.
func Parse(s string) Version {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")

	base := s
	patchIndex := 0
	if i := strings.IndexByte(s, '+'); i >= 0 {
		base = s[:i]
		if n, err := strconv.Atoi(s[i+1:]); err == nil {
			patchIndex = n
		}
	}

	parts := strings.SplitN(base, ".", 3)
	var v Version
	v.Major = atoiOr0(partAt(parts, 0))
	v.Minor = atoiOr0(partAt(parts, 1))
	v.Patch = atoiOr0(partAt(parts, 2))
	v.PatchIndex = patchIndex
	return v
}

func partAt(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

func atoiOr0(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Compare returns -1, 0, or 1 as a orders before, equal to, or after b.
// Totality holds for any two inputs: every Version is a well-defined
// 4-tuple of ints, and int tuples are totally ordered.
func Compare(a, b Version) int {
	if a.Major != b.Major {
		return cmpInt(a.Major, b.Major)
	}
	if a.Minor != b.Minor {
		return cmpInt(a.Minor, b.Minor)
	}
	if a.Patch != b.Patch {
		return cmpInt(a.Patch, b.Patch)
	}
	return cmpInt(a.PatchIndex, b.PatchIndex)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareStrings parses both inputs and compares them.
func CompareStrings(a, b string) int {
	return Compare(Parse(a), Parse(b))
}

// Format renders version with an explicit patch index suffix, omitting
// "+0" the way the original publisher's format_version_with_patch does.
func Format(version string, patchIndex int) string {
	if patchIndex <= 0 {
		return version
	}
	return version + "+" + strconv.Itoa(patchIndex)
}

// Package identity computes the baseline/target keys used to decide
// whether a manifest applies to a local file: raw SHA-256 for opatch-1
// and apkraw-1, the structural zip-tree signature for apkzip-1.
package identity

import (
	"encoding/hex"

	"apkdelta/internal/apkhash"
	"apkdelta/internal/manifest"
	"apkdelta/internal/zipscan"
)

// Key is a hex-encoded identity digest, tagged with how it was computed.
type Key struct {
	Kind string // "sha256" or "zipTree"
	Hex  string
}

// Matches reports whether k equals the hex digest want, comparing kind
// implicitly (callers compare keys of the same kind; a mismatched kind
// simply never matches since the hex values come from disjoint digest
// spaces in practice).
func (k Key) Matches(want string) bool {
	return want != "" && k.Hex == want
}

// OfFile computes the identity key a manifest of the given format would
// compare a local file against.
func OfFile(path string, format manifest.Format) (Key, error) {
	if format == manifest.FormatApkZip {
		r, err := zipscan.Open(path)
		if err != nil {
			return Key{}, err
		}
		defer r.Close()
		sig, err := r.TreeSignature()
		if err != nil {
			return Key{}, err
		}
		return Key{Kind: "zipTree", Hex: hex.EncodeToString(sig[:])}, nil
	}
	sum, err := apkhash.SHA256File(path)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: "sha256", Hex: hex.EncodeToString(sum[:])}, nil
}

// BaselineKey returns the manifest's declared baseline key.
func BaselineKey(m manifest.Manifest) Key {
	if m.Format == manifest.FormatApkZip {
		return Key{Kind: "zipTree", Hex: m.BaseZipTreeSha256}
	}
	return Key{Kind: "sha256", Hex: m.BaseSha256}
}

// TargetKey returns the manifest's declared target key.
func TargetKey(m manifest.Manifest) Key {
	if m.Format == manifest.FormatApkZip {
		return Key{Kind: "zipTree", Hex: m.TargetZipTreeSha256}
	}
	return Key{Kind: "sha256", Hex: m.TargetSha256}
}

// MatchesBaseline reports whether the local file at path satisfies m's
// declared baseline identity.
func MatchesBaseline(path string, m manifest.Manifest) (bool, error) {
	key, err := OfFile(path, m.Format)
	if err != nil {
		return false, err
	}
	return key.Matches(BaselineKey(m).Hex), nil
}

// Package manifest defines the JSON sidecar that describes one patch:
// format tag, release coordinates, baseline/target identity, and the
// format-specific rebuild recipe. Distilled spec §9 asks for "explicit
// schema types per format variant" rather than the original's dynamic
// mapping access; this package is that schema, modeled as one flat struct
// whose fields are a strict superset across the three formats (the JSON
// wire shape itself is a tagged union keyed by Format, not three distinct
// Go structs — see internal/delta for the per-format applier dispatch
// that keeps the codecs themselves from touching irrelevant fields).
package manifest

import (
	"encoding/json"
	"fmt"

	"apkdelta/internal/apkerr"
)

// Format names one of the three interoperable delta formats.
type Format string

const (
	FormatOpatch Format = "opatch-1"
	FormatApkZip Format = "apkzip-1"
	FormatApkRaw Format = "apkraw-1"
)

// Compression methods accepted in TargetEntry.CompressType. apkzip-1
// manifests that name anything else are rejected as MalformedManifest
// (distilled spec §9 Open Questions takes the SHOULD).
const (
	CompressStored   = 0
	CompressDeflated = 8
)

// TargetEntry is one row of an apkzip-1 rebuild recipe.
type TargetEntry struct {
	Name         string `json:"name"`
	CompressType int    `json:"compressType"`
}

// ApkRawEntry is one row of an apkraw-1 rebuild recipe.
type ApkRawEntry struct {
	Mode       string `json:"mode"` // "copy" or "add"
	Name       string `json:"name"`
	RecordPath string `json:"recordPath,omitempty"`
}

// Manifest is the JSON envelope shared by all three formats. Field
// declaration order is alphabetical by JSON key so json.Marshal emits
// the sorted-key, deterministic shape the wire format requires without
// a second serialization pass.
type Manifest struct {
	ApkRawEntries       []ApkRawEntry `json:"apkRawEntries,omitempty"`
	ApkRawTailFile      string        `json:"apkRawTailFile,omitempty"`
	BaseSha256          string        `json:"baseSha256"`
	BaseZipTreeSha256   string        `json:"baseZipTreeSha256,omitempty"`
	BlockSize           int           `json:"blockSize,omitempty"`
	CreatedAt           int64         `json:"createdAt"`
	Format              Format        `json:"format"`
	FromPatchIndex      *int          `json:"fromPatchIndex"`
	FromVersion         *string       `json:"fromVersion"`
	PatchFile           string        `json:"patchFile"`
	PatchSha256         string        `json:"patchSha256"`
	Repo                string        `json:"repo"`
	Tag                 string        `json:"tag"`
	TargetEntries       []TargetEntry `json:"targetEntries,omitempty"`
	TargetSha256        string        `json:"targetSha256"`
	TargetZipTreeSha256 string        `json:"targetZipTreeSha256,omitempty"`
	ToPatchIndex        *int          `json:"toPatchIndex"`
	ToVersion           *string       `json:"toVersion"`
}

// Marshal renders m as 2-space-indented JSON with sorted keys.
func Marshal(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Parse decodes data into a Manifest, rejecting unknown format tags.
// Unknown JSON keys are ignored (encoding/json's default), and field
// order in the input is irrelevant, as required.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s", apkerr.MalformedManifest, err)
	}
	switch m.Format {
	case FormatOpatch, FormatApkZip, FormatApkRaw:
	default:
		return Manifest{}, fmt.Errorf("%w: unknown format %q", apkerr.MalformedManifest, m.Format)
	}
	if err := Validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks that the fields required by m.Format are present. It
// does not re-verify hashes or re-walk the rebuild recipe; that is the
// applier's job once bytes are in hand.
func Validate(m Manifest) error {
	if m.Repo == "" || m.Tag == "" {
		return fmt.Errorf("%w: missing repo/tag", apkerr.MalformedManifest)
	}
	if m.PatchFile == "" || m.PatchSha256 == "" {
		return fmt.Errorf("%w: missing patchFile/patchSha256", apkerr.MalformedManifest)
	}

	switch m.Format {
	case FormatOpatch:
		if m.BaseSha256 == "" || m.TargetSha256 == "" {
			return fmt.Errorf("%w: opatch-1 requires baseSha256/targetSha256", apkerr.MalformedManifest)
		}
		if m.BlockSize <= 0 {
			return fmt.Errorf("%w: opatch-1 requires a positive blockSize", apkerr.MalformedManifest)
		}
	case FormatApkZip:
		if m.BaseZipTreeSha256 == "" || m.TargetZipTreeSha256 == "" {
			return fmt.Errorf("%w: apkzip-1 requires baseZipTreeSha256/targetZipTreeSha256", apkerr.MalformedManifest)
		}
		if len(m.TargetEntries) == 0 {
			return fmt.Errorf("%w: apkzip-1 requires targetEntries", apkerr.MalformedManifest)
		}
		for _, e := range m.TargetEntries {
			if e.Name == "" {
				return fmt.Errorf("%w: apkzip-1 targetEntries entry missing name", apkerr.MalformedManifest)
			}
			if e.CompressType != CompressStored && e.CompressType != CompressDeflated {
				return fmt.Errorf("%w: apkzip-1 targetEntries %q has unsupported compressType %d", apkerr.MalformedManifest, e.Name, e.CompressType)
			}
		}
	case FormatApkRaw:
		if m.BaseSha256 == "" || m.TargetSha256 == "" {
			return fmt.Errorf("%w: apkraw-1 requires baseSha256/targetSha256", apkerr.MalformedManifest)
		}
		if len(m.ApkRawEntries) == 0 {
			return fmt.Errorf("%w: apkraw-1 requires apkRawEntries", apkerr.MalformedManifest)
		}
		if m.ApkRawTailFile == "" {
			return fmt.Errorf("%w: apkraw-1 requires apkRawTailFile", apkerr.MalformedManifest)
		}
		for _, e := range m.ApkRawEntries {
			if e.Name == "" {
				return fmt.Errorf("%w: apkraw-1 apkRawEntries entry missing name", apkerr.MalformedManifest)
			}
			switch e.Mode {
			case "copy":
			case "add":
				if e.RecordPath == "" {
					return fmt.Errorf("%w: apkraw-1 add entry %q missing recordPath", apkerr.MalformedManifest, e.Name)
				}
			default:
				return fmt.Errorf("%w: apkraw-1 entry %q has unknown mode %q", apkerr.MalformedManifest, e.Name, e.Mode)
			}
		}
	}
	return nil
}

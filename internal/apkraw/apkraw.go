// Package apkraw implements apkraw-1: a patch that carries exact ZIP
// local-record byte spans for every entry that changed, plus the trailing
// central-directory/EOCD region, so the rebuilt target is byte-identical
// to the original — not merely structurally equivalent. This is the
// fallback format when reproducing the producer's exact compressor output
// matters (distilled spec §4.7).
package apkraw

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"apkdelta/internal/apkerr"
	"apkdelta/internal/apkhash"
	"apkdelta/internal/manifest"
	"apkdelta/internal/zipscan"
)

// recordsDirName is where changed local records live inside the patch
// archive, numbered by a counter over the changed records only, in the
// target's header-offset order; Apply finds each through its manifest
// row's RecordPath.
const recordsDirName = "records"

// tailFileName holds the bytes from just past the last local record
// through EOF: central directory, EOCD, and any zip64 structures.
const tailFileName = "tail.bin"

// Build diffs oldPath and newPath entry-by-entry via exact local-record
// byte comparison, writing a patch ZIP to outPath: one entry per changed
// or added record under records/, plus tail.bin carrying the target's
// central directory and EOCD. The patch is a standard ZIP, matching
// distilled spec §6, so it downloads and hashes as a single artifact like
// opatch-1's and apkzip-1's.
func Build(oldPath, newPath, outPath string) (manifest.Manifest, error) {
	oldR, err := zipscan.Open(oldPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer oldR.Close()
	newR, err := zipscan.Open(newPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer newR.Close()

	oldSha, err := apkhash.SHA256File(oldPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	newSha, err := apkhash.SHA256File(newPath)
	if err != nil {
		return manifest.Manifest{}, err
	}

	oldRecords := map[string][]byte{}
	for _, e := range oldR.Entries() {
		if e.IsDir() {
			continue
		}
		span, _, err := oldR.ReadLocalRecordBytes(e)
		if err != nil {
			return manifest.Manifest{}, err
		}
		oldRecords[e.Name] = span
	}

	if err := os.MkdirAll(dirOf(outPath), 0o755); err != nil {
		return manifest.Manifest{}, err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	zw := zip.NewWriter(out)

	var entries []manifest.ApkRawEntry
	recordIndex := 0
	for _, e := range byHeaderOffset(newR.Entries()) {
		if e.IsDir() {
			continue
		}
		span, _, err := newR.ReadLocalRecordBytes(e)
		if err != nil {
			zw.Close()
			out.Close()
			return manifest.Manifest{}, err
		}
		if old, ok := oldRecords[e.Name]; ok && bytesEqual(old, span) {
			entries = append(entries, manifest.ApkRawEntry{Mode: "copy", Name: e.Name})
			continue
		}

		recordPath := fmt.Sprintf("%s/%05d.bin", recordsDirName, recordIndex)
		recordIndex++
		if err := writeStoredEntry(zw, recordPath, span); err != nil {
			zw.Close()
			out.Close()
			return manifest.Manifest{}, err
		}
		entries = append(entries, manifest.ApkRawEntry{Mode: "add", Name: e.Name, RecordPath: recordPath})
	}

	tail, err := newR.TailBytes()
	if err != nil {
		zw.Close()
		out.Close()
		return manifest.Manifest{}, err
	}
	if err := writeStoredEntry(zw, tailFileName, tail); err != nil {
		zw.Close()
		out.Close()
		return manifest.Manifest{}, err
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return manifest.Manifest{}, err
	}
	if err := out.Close(); err != nil {
		return manifest.Manifest{}, err
	}

	patchSha, err := apkhash.SHA256FileHex(outPath)
	if err != nil {
		return manifest.Manifest{}, err
	}

	return manifest.Manifest{
		Format:         manifest.FormatApkRaw,
		BaseSha256:     hexOf(oldSha),
		TargetSha256:   hexOf(newSha),
		ApkRawEntries:  entries,
		ApkRawTailFile: tailFileName,
		PatchSha256:    patchSha,
	}, nil
}

func writeStoredEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Apply rebuilds the target file at outPath from oldPath and the patch
// ZIP at patchPath, replaying m.ApkRawEntries in order: "copy" entries are
// taken byte-for-byte from the baseline's local record, "add" entries are
// taken from the named entry inside the patch ZIP. The concatenation is
// verified against m.TargetSha256 before the temporary output is renamed
// into place.
func Apply(oldPath, patchPath, outPath string, m manifest.Manifest) error {
	oldR, err := zipscan.Open(oldPath)
	if err != nil {
		return err
	}
	defer oldR.Close()

	oldSha, err := apkhash.SHA256File(oldPath)
	if err != nil {
		return err
	}
	if hexOf(oldSha) != m.BaseSha256 {
		return fmt.Errorf("%w: baseline sha256 mismatch", apkerr.BaselineMismatch)
	}

	patchR, err := zip.OpenReader(patchPath)
	if err != nil {
		return fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
	}
	defer patchR.Close()
	patchByName := map[string]*zip.File{}
	for _, f := range patchR.File {
		patchByName[f.Name] = f
	}

	oldByName := map[string]zipscan.Entry{}
	for _, e := range oldR.Entries() {
		if !e.IsDir() {
			oldByName[e.Name] = e
		}
	}

	tmpPath := outPath + ".tmp"
	if err := os.MkdirAll(dirOf(outPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	cleanup := func() { out.Close(); os.Remove(tmpPath) }

	for _, entry := range m.ApkRawEntries {
		var span []byte
		switch entry.Mode {
		case "copy":
			oe, ok := oldByName[entry.Name]
			if !ok {
				cleanup()
				return fmt.Errorf("%w: copy entry %q missing from baseline", apkerr.PatchIntegrity, entry.Name)
			}
			span, _, err = oldR.ReadLocalRecordBytes(oe)
			if err != nil {
				cleanup()
				return fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
			}
		case "add":
			pf, ok := patchByName[entry.RecordPath]
			if !ok {
				cleanup()
				return fmt.Errorf("%w: record %q missing from patch", apkerr.PatchIntegrity, entry.RecordPath)
			}
			span, err = readZipFile(pf)
			if err != nil {
				cleanup()
				return fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
			}
		default:
			cleanup()
			return fmt.Errorf("%w: unknown entry mode %q", apkerr.PatchIntegrity, entry.Mode)
		}
		if _, err := out.Write(span); err != nil {
			cleanup()
			return err
		}
	}

	tailFile, ok := patchByName[m.ApkRawTailFile]
	if !ok {
		cleanup()
		return fmt.Errorf("%w: tail file %q missing from patch", apkerr.PatchIntegrity, m.ApkRawTailFile)
	}
	tail, err := readZipFile(tailFile)
	if err != nil {
		cleanup()
		return fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
	}
	if _, err := out.Write(tail); err != nil {
		cleanup()
		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	actualSha, err := apkhash.SHA256File(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if hexOf(actualSha) != m.TargetSha256 {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: target sha256 mismatch", apkerr.TargetIntegrity)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// byHeaderOffset orders entries by ascending local-record offset, per
// spec: target records are enumerated "in ascending headerOffset order",
// not central-directory order (the two usually coincide but aren't
// guaranteed to).
func byHeaderOffset(entries []zipscan.Entry) []zipscan.Entry {
	out := append([]zipscan.Entry{}, entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].HeaderOffset < out[j].HeaderOffset })
	return out
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func hexOf(sum [sha256.Size]byte) string {
	return hex.EncodeToString(sum[:])
}

// Package apkzip implements apkzip-1: a patch expressed as a ZIP archive
// whose own entries are "files/<name>" for every new or changed target
// entry, applied by rebuilding the target entry-by-entry in the manifest's
// declared order.
// Baseline/target identity is the structural zip-tree signature rather
// than a raw byte digest, since repacking (timestamp or alignment
// differences) must not defeat patch matching (distilled spec §4.6).
// Apply stamps every rebuilt entry with 1980-01-01 00:00:00, so its output
// matches the target's zip-tree signature but not the target's bytes.
package apkzip

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"time"

	"apkdelta/internal/apkerr"
	"apkdelta/internal/apkhash"
	"apkdelta/internal/manifest"
	"apkdelta/internal/zipscan"
)

// forcedModTime is stamped on every entry this package writes, both in the
// patch archive and the rebuilt target, so the zip-tree signature (which
// does not cover timestamps) and any byte-level comparison the caller
// additionally chooses to perform stay reproducible across builds.
var forcedModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Result carries the identity digests a Build or Apply observed.
type Result struct {
	BaseZipTreeSha256   [32]byte
	TargetZipTreeSha256 [32]byte
}

// Build diffs oldPath and newPath by entry name and content, writing a
// patch ZIP to outPath holding "files/<name>" for every target entry whose
// bytes are not byte-identical to the same-named baseline entry, plus a
// manifest recipe listing every target entry and its compression method.
func Build(oldPath, newPath, outPath string) (Result, manifest.Manifest, error) {
	oldR, err := zipscan.Open(oldPath)
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}
	defer oldR.Close()
	newR, err := zipscan.Open(newPath)
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}
	defer newR.Close()

	baseSig, err := oldR.TreeSignature()
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}
	targetSig, err := newR.TreeSignature()
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}

	oldByName := map[string]zipscan.Entry{}
	for _, e := range oldR.Entries() {
		if !e.IsDir() {
			oldByName[e.Name] = e
		}
	}

	if err := os.MkdirAll(dirOf(outPath), 0o755); err != nil {
		return Result{}, manifest.Manifest{}, err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}
	zw := zip.NewWriter(out)

	var targetEntries []manifest.TargetEntry
	for _, e := range newR.Entries() {
		if e.IsDir() {
			continue
		}
		targetEntries = append(targetEntries, manifest.TargetEntry{
			Name:         e.Name,
			CompressType: int(e.CompressMethod),
		})

		old, existed := oldByName[e.Name]
		if existed && old.CRC32 == e.CRC32 && old.UncompressedSize == e.UncompressedSize && old.CompressMethod == e.CompressMethod {
			continue // byte-identical to baseline; no payload needed in the patch
		}

		if err := writeStoredEntry(zw, "files/"+e.Name, newR, e); err != nil {
			zw.Close()
			out.Close()
			return Result{}, manifest.Manifest{}, err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return Result{}, manifest.Manifest{}, err
	}
	if err := out.Close(); err != nil {
		return Result{}, manifest.Manifest{}, err
	}

	patchSha, err := apkhash.SHA256File(outPath)
	if err != nil {
		return Result{}, manifest.Manifest{}, err
	}

	m := manifest.Manifest{
		Format:              manifest.FormatApkZip,
		BaseZipTreeSha256:   hexOf(baseSig),
		TargetZipTreeSha256: hexOf(targetSig),
		TargetEntries:       targetEntries,
		PatchSha256:         hexOf(patchSha),
	}
	return Result{BaseZipTreeSha256: baseSig, TargetZipTreeSha256: targetSig}, m, nil
}

// writeStoredEntry copies one entry's uncompressed bytes from src into zw
// at name, always as a stored (uncompressed) entry: the patch archive's
// own compression is irrelevant to the target's recipe, which replays
// e.CompressMethod when rebuilding.
func writeStoredEntry(zw *zip.Writer, name string, src *zipscan.Reader, e zipscan.Entry) error {
	raw, err := inflateEntry(src, e)
	if err != nil {
		return err
	}
	hdr := &zip.FileHeader{Name: name, Method: zip.Store}
	hdr.Modified = forcedModTime
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Apply rebuilds the target ZIP at outPath from oldPath and the patch ZIP
// at patchPath, following m.TargetEntries in order: entries present in the
// patch archive under "files/<name>" are copied from there, all others are
// carried over from the baseline unchanged. The rebuilt archive's
// zip-tree signature is verified against m.TargetZipTreeSha256 before the
// temporary output is renamed into place.
func Apply(oldPath, patchPath, outPath string, m manifest.Manifest) (Result, error) {
	oldR, err := zipscan.Open(oldPath)
	if err != nil {
		return Result{}, err
	}
	defer oldR.Close()

	baseSig, err := oldR.TreeSignature()
	if err != nil {
		return Result{}, err
	}
	if hexOf(baseSig) != m.BaseZipTreeSha256 {
		return Result{}, fmt.Errorf("%w: baseline zip-tree signature mismatch", apkerr.BaselineMismatch)
	}

	patchR, err := zip.OpenReader(patchPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
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
		return Result{}, err
	}
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, err
	}
	cleanup := func() { out.Close(); os.Remove(tmpPath) }

	zw := zip.NewWriter(out)
	var builtEntries []zipscan.Entry
	for _, te := range m.TargetEntries {
		if pf, ok := patchByName["files/"+te.Name]; ok {
			data, err := readZipFile(pf)
			if err != nil {
				cleanup()
				return Result{}, fmt.Errorf("%w: %s", apkerr.PatchIntegrity, err)
			}
			if err := writeTargetEntry(zw, te, data); err != nil {
				cleanup()
				return Result{}, err
			}
			builtEntries = append(builtEntries, entryFor(te, data))
			continue
		}

		oe, ok := oldByName[te.Name]
		if !ok {
			cleanup()
			return Result{}, fmt.Errorf("%w: target entry %q present in neither patch nor baseline", apkerr.PatchIntegrity, te.Name)
		}
		data, err := inflateEntry(oldR, oe)
		if err != nil {
			cleanup()
			return Result{}, err
		}
		if err := writeTargetEntry(zw, te, data); err != nil {
			cleanup()
			return Result{}, err
		}
		builtEntries = append(builtEntries, entryFor(te, data))
	}

	if err := zw.Close(); err != nil {
		cleanup()
		return Result{}, err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}

	builtSig, err := zipscan.TreeSignatureOf(builtEntries)
	if err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}
	if hexOf(builtSig) != m.TargetZipTreeSha256 {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("%w: rebuilt zip-tree signature mismatch", apkerr.TargetIntegrity)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}

	return Result{BaseZipTreeSha256: baseSig, TargetZipTreeSha256: builtSig}, nil
}

func writeTargetEntry(zw *zip.Writer, te manifest.TargetEntry, data []byte) error {
	hdr := &zip.FileHeader{Name: te.Name, Method: uint16(te.CompressType)}
	hdr.Modified = forcedModTime
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// entryFor synthesizes the Entry zipscan.TreeSignatureOf needs from the
// bytes actually written, rather than re-reading the archive we just
// closed: signature inputs are name, crc32, uncompressed size, and
// compress method, all derivable from data plus the recipe.
func entryFor(te manifest.TargetEntry, data []byte) zipscan.Entry {
	return zipscan.Entry{
		Name:             te.Name,
		CRC32:            crc32Of(data),
		UncompressedSize: uint64(len(data)),
		CompressMethod:   uint16(te.CompressType),
	}
}

func inflateEntry(r *zipscan.Reader, e zipscan.Entry) ([]byte, error) {
	span, _, err := r.ReadLocalRecordBytes(e)
	if err != nil {
		return nil, err
	}
	// span covers header+name+extra+payload(+descriptor); reopen it through
	// archive/zip's reader for the single entry to get correct inflate
	// handling regardless of stored vs deflated.
	return inflateLocalRecord(span, e)
}

func inflateLocalRecord(span []byte, e zipscan.Entry) ([]byte, error) {
	wrapped := wrapAsMinimalZip(span, e)
	zr, err := zip.NewReader(bytes.NewReader(wrapped), int64(len(wrapped)))
	if err != nil {
		return nil, fmt.Errorf("apkzip: reopen entry %q: %w", e.Name, err)
	}
	for _, f := range zr.File {
		if f.Name != e.Name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("apkzip: entry %q missing from reconstructed single-file zip", e.Name)
}

// wrapAsMinimalZip appends a synthetic one-entry central directory and
// EOCD after a raw local record, so archive/zip's public Reader (which
// only ever reads via the central directory) can inflate it for us without
// reimplementing the deflate codec this package otherwise never touches.
func wrapAsMinimalZip(span []byte, e zipscan.Entry) []byte {
	var buf bytes.Buffer
	buf.Write(span)

	cdStart := buf.Len()
	nameBytes := []byte(e.Name)

	writeU32 := func(v uint32) { var b [4]byte; putU32(b[:], v); buf.Write(b[:]) }
	writeU16 := func(v uint16) { var b [2]byte; putU16(b[:], v); buf.Write(b[:]) }

	writeU32(0x02014b50)
	writeU16(20) // version made by
	writeU16(20) // version needed
	writeU16(e.GeneralPurposeBitFlag)
	writeU16(e.CompressMethod)
	writeU16(0) // mod time
	writeU16(0) // mod date
	writeU32(e.CRC32)
	writeU32(uint32(e.CompressedSize))
	writeU32(uint32(e.UncompressedSize))
	writeU16(uint16(len(nameBytes)))
	writeU16(0) // extra len
	writeU16(0) // comment len
	writeU16(0) // disk number
	writeU16(0) // internal attrs
	writeU32(0) // external attrs
	writeU32(0) // local header offset: record starts at byte 0 of this buffer
	buf.Write(nameBytes)
	cdSize := buf.Len() - cdStart

	writeU32(0x06054b50)
	writeU16(0)
	writeU16(0)
	writeU16(1)
	writeU16(1)
	writeU32(uint32(cdSize))
	writeU32(uint32(cdStart))
	writeU16(0)

	return buf.Bytes()
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func dirOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return "."
	}
	return d
}

func hexOf(sum [32]byte) string {
	return hex.EncodeToString(sum[:])
}

func crc32Of(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

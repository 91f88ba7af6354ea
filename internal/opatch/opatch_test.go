package opatch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"apkdelta/internal/apkerr"
	"apkdelta/internal/apkhash"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func randBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestBuildApplyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	oldData := randBytes(1, 50000)
	// new is old plus an inserted block plus a trailing appended chunk.
	// The 777-byte insertion shifts everything after it off the 4096-byte
	// block grid, so the patch is one COPY of the first four blocks
	// followed by ADD for the rest.
	newData := append([]byte{}, oldData[:20000]...)
	newData = append(newData, randBytes(2, 777)...) // miss
	newData = append(newData, oldData[20000:]...)   // shifted tail: no block match
	newData = append(newData, randBytes(3, 300)...) // trailing miss

	oldPath := writeFile(t, dir, "old.bin", oldData)
	newPath := writeFile(t, dir, "new.bin", newData)
	patchPath := filepath.Join(dir, "patch.bin")

	res, err := Build(oldPath, newPath, patchPath, 4096)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.NewSize != uint64(len(newData)) {
		t.Fatalf("NewSize = %d, want %d", res.NewSize, len(newData))
	}

	outPath := filepath.Join(dir, "out.bin")
	applyRes, err := Apply(oldPath, patchPath, outPath)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applyRes.NewSha256 != res.NewSha256 {
		t.Fatalf("Apply result sha mismatch build result")
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newData) {
		t.Fatalf("applied output does not match expected new data")
	}
}

func TestApplyDetectsBaselineMismatch(t *testing.T) {
	dir := t.TempDir()
	oldData := randBytes(4, 10000)
	newData := randBytes(5, 10000)
	oldPath := writeFile(t, dir, "old.bin", oldData)
	newPath := writeFile(t, dir, "new.bin", newData)
	patchPath := filepath.Join(dir, "patch.bin")

	if _, err := Build(oldPath, newPath, patchPath, 1024); err != nil {
		t.Fatalf("Build: %v", err)
	}

	wrongOldPath := writeFile(t, dir, "wrong-old.bin", randBytes(6, 10000))
	outPath := filepath.Join(dir, "out.bin")
	_, err := Apply(wrongOldPath, patchPath, outPath)
	if !errors.Is(err, apkerr.BaselineMismatch) {
		t.Fatalf("Apply error = %v, want BaselineMismatch", err)
	}
	if _, statErr := os.Stat(outPath); statErr == nil {
		t.Fatalf("outPath should not exist after a failed apply")
	}
	if _, statErr := os.Stat(outPath + ".tmp"); statErr == nil {
		t.Fatalf("tmp file should be cleaned up after a failed apply")
	}
}

func TestApplyDetectsCorruptedPatch(t *testing.T) {
	dir := t.TempDir()
	oldData := randBytes(7, 5000)
	newData := append(append([]byte{}, oldData...), randBytes(8, 500)...)
	oldPath := writeFile(t, dir, "old.bin", oldData)
	newPath := writeFile(t, dir, "new.bin", newData)
	patchPath := filepath.Join(dir, "patch.bin")

	if _, err := Build(oldPath, newPath, patchPath, 1024); err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := os.ReadFile(patchPath)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte in the gzip trailer (len-5 falls inside its CRC-32), which
	// the op stream alone never reaches.
	corrupt := append([]byte{}, raw...)
	corrupt[len(corrupt)-5] ^= 0xFF
	corruptPath := filepath.Join(dir, "corrupt.bin")
	writeFile(t, dir, "corrupt.bin", corrupt)

	outPath := filepath.Join(dir, "out.bin")
	_, err = Apply(oldPath, corruptPath, outPath)
	if err == nil {
		t.Fatalf("expected an error applying a corrupted patch")
	}
	if !errors.Is(err, apkerr.PatchIntegrity) && !errors.Is(err, apkerr.TargetIntegrity) {
		t.Fatalf("Apply error = %v, want PatchIntegrity or TargetIntegrity", err)
	}
	_ = corruptPath
}

func TestApplyDetectsTargetTampering(t *testing.T) {
	// Construct a manually forged patch whose header/shas describe one
	// target but whose op stream produces different bytes, to exercise
	// the post-apply TargetIntegrity check directly rather than relying
	// on gzip/crc to catch the corruption first.
	dir := t.TempDir()
	oldData := randBytes(9, 100)
	oldPath := writeFile(t, dir, "old.bin", oldData)

	realNew := append([]byte{}, oldData...)
	realNew = append(realNew, []byte("expected-tail")...)
	wrongNew := append([]byte{}, oldData...)
	wrongNew = append(wrongNew, []byte("tampered-tail")...)

	newSha, err := apkhash.SHA256Reader(bytes.NewReader(realNew))
	if err != nil {
		t.Fatal(err)
	}
	oldSha, err := apkhash.SHA256File(oldPath)
	if err != nil {
		t.Fatal(err)
	}

	patchPath := filepath.Join(dir, "patch.bin")
	f, err := os.Create(patchPath)
	if err != nil {
		t.Fatal(err)
	}
	gzW := gzip.NewWriter(f)
	w := bufio.NewWriter(gzW)
	w.Write(magic[:])
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 4096)
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(len(oldData)))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(len(wrongNew)))
	w.Write(hdr[:])
	w.Write(oldSha[:])
	w.Write(newSha[:]) // declares realNew's sha, but op stream below emits wrongNew
	writeCopy(w, 0, uint64(len(oldData)))
	writeAdd(w, []byte("tampered-tail"))
	w.WriteByte(opEnd)
	w.Flush()
	gzW.Close()
	f.Close()

	outPath := filepath.Join(dir, "out.bin")
	_, err = Apply(oldPath, patchPath, outPath)
	if !errors.Is(err, apkerr.TargetIntegrity) {
		t.Fatalf("Apply error = %v, want TargetIntegrity", err)
	}
}

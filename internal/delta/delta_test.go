package delta

import (
	"archive/zip"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"apkdelta/internal/apkerr"
	"apkdelta/internal/apkhash"
	"apkdelta/internal/apkzip"
	"apkdelta/internal/manifest"
	"apkdelta/internal/opatch"
)

func TestApplyDispatchesOpatch(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.bin")
	newPath := filepath.Join(dir, "new.bin")
	os.WriteFile(oldPath, []byte("hello world, this is the baseline payload"), 0o644)
	os.WriteFile(newPath, []byte("hello world, this is the updated target payload"), 0o644)

	patchPath := filepath.Join(dir, "patch.opatch")
	res, err := opatch.Build(oldPath, newPath, patchPath, 16)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	patchSha, err := apkhash.SHA256FileHex(patchPath)
	if err != nil {
		t.Fatalf("SHA256FileHex: %v", err)
	}
	m := manifest.Manifest{
		Format:       manifest.FormatOpatch,
		BaseSha256:   hexOf(res.OldSha256),
		TargetSha256: hexOf(res.NewSha256),
		BlockSize:    res.BlockSize,
		PatchSha256:  patchSha,
	}

	outPath := filepath.Join(dir, "out.bin")
	if err := Apply(oldPath, patchPath, outPath, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := os.ReadFile(outPath)
	want, _ := os.ReadFile(newPath)
	if string(got) != string(want) {
		t.Fatalf("dispatched opatch apply produced wrong output")
	}
}

func TestApplyDispatchesApkZip(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.apk")
	newPath := filepath.Join(dir, "new.apk")

	mk := func(path, content string) {
		f, _ := os.Create(path)
		zw := zip.NewWriter(f)
		w, _ := zw.CreateHeader(&zip.FileHeader{Name: "a.txt", Method: zip.Store})
		w.Write([]byte(content))
		zw.Close()
		f.Close()
	}
	mk(oldPath, "old-content")
	mk(newPath, "new-content")

	patchPath := filepath.Join(dir, "patch.apkzip")
	_, m, err := apkzip.Build(oldPath, newPath, patchPath)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	outPath := filepath.Join(dir, "out.apk")
	if err := Apply(oldPath, patchPath, outPath, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestApplyRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	patchPath := filepath.Join(dir, "b")
	if err := os.WriteFile(patchPath, []byte("irrelevant"), 0o644); err != nil {
		t.Fatal(err)
	}
	patchSha, err := apkhash.SHA256FileHex(patchPath)
	if err != nil {
		t.Fatal(err)
	}
	err = Apply(filepath.Join(dir, "a"), patchPath, filepath.Join(dir, "c"), manifest.Manifest{Format: "mystery-9", PatchSha256: patchSha})
	if err == nil {
		t.Fatalf("Apply accepted an unknown format")
	}
	if !errors.Is(err, apkerr.MalformedManifest) {
		t.Fatalf("Apply error = %v, want MalformedManifest", err)
	}
}

func TestApplyDetectsPatchIntegrityMismatch(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.bin")
	newPath := filepath.Join(dir, "new.bin")
	os.WriteFile(oldPath, []byte("hello world, this is the baseline payload"), 0o644)
	os.WriteFile(newPath, []byte("hello world, this is the updated target payload"), 0o644)

	patchPath := filepath.Join(dir, "patch.opatch")
	res, err := opatch.Build(oldPath, newPath, patchPath, 16)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m := manifest.Manifest{
		Format:       manifest.FormatOpatch,
		BaseSha256:   hexOf(res.OldSha256),
		TargetSha256: hexOf(res.NewSha256),
		BlockSize:    res.BlockSize,
		PatchSha256:  "0000000000000000000000000000000000000000000000000000000000000000",
	}

	outPath := filepath.Join(dir, "out.bin")
	err = Apply(oldPath, patchPath, outPath, m)
	if !errors.Is(err, apkerr.PatchIntegrity) {
		t.Fatalf("Apply error = %v, want PatchIntegrity", err)
	}
}

func hexOf(sum [32]byte) string {
	return hex.EncodeToString(sum[:])
}

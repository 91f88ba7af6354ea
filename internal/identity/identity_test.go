package identity

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"apkdelta/internal/apkhash"
	"apkdelta/internal/manifest"
)

func TestOfFileSha256ForOpatchAndApkRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	want, err := apkhash.SHA256FileHex(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, format := range []manifest.Format{manifest.FormatOpatch, manifest.FormatApkRaw} {
		key, err := OfFile(path, format)
		if err != nil {
			t.Fatalf("OfFile(%s): %v", format, err)
		}
		if key.Kind != "sha256" || key.Hex != want {
			t.Errorf("OfFile(%s) = %+v, want sha256:%s", format, key, want)
		}
	}
}

func TestOfFileZipTreeForApkZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.apk")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "a.txt", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("hi"))
	zw.Close()
	f.Close()

	key, err := OfFile(path, manifest.FormatApkZip)
	if err != nil {
		t.Fatalf("OfFile: %v", err)
	}
	if key.Kind != "zipTree" {
		t.Errorf("OfFile kind = %q, want zipTree", key.Kind)
	}
}

func TestMatchesBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	os.WriteFile(path, []byte("payload"), 0o644)
	sha, _ := apkhash.SHA256FileHex(path)

	m := manifest.Manifest{Format: manifest.FormatOpatch, BaseSha256: sha}
	matches, err := MatchesBaseline(path, m)
	if err != nil {
		t.Fatalf("MatchesBaseline: %v", err)
	}
	if !matches {
		t.Errorf("MatchesBaseline = false, want true for the correct baseline")
	}

	wrong := manifest.Manifest{Format: manifest.FormatOpatch, BaseSha256: "0000"}
	matches, err = MatchesBaseline(path, wrong)
	if err != nil {
		t.Fatalf("MatchesBaseline: %v", err)
	}
	if matches {
		t.Errorf("MatchesBaseline = true, want false for a wrong baseline digest")
	}
}

func TestKeyMatches(t *testing.T) {
	k := Key{Kind: "sha256", Hex: "abc"}
	if !k.Matches("abc") {
		t.Errorf("Matches(abc) = false, want true")
	}
	if k.Matches("") {
		t.Errorf("Matches(\"\") = true, want false")
	}
	if k.Matches("def") {
		t.Errorf("Matches(def) = true, want false")
	}
}

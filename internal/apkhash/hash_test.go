package apkhash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSHA256FileMatchesSHA256Reader(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("apkdelta"), 1<<15) // exercise the chunked read path
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	fromReader, err := SHA256Reader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SHA256Reader: %v", err)
	}
	if fromFile != fromReader {
		t.Errorf("SHA256File and SHA256Reader disagree on identical content")
	}

	hexSum, err := SHA256FileHex(path)
	if err != nil {
		t.Fatalf("SHA256FileHex: %v", err)
	}
	if len(hexSum) != 64 {
		t.Errorf("SHA256FileHex length = %d, want 64", len(hexSum))
	}
}

func TestSHA1BlockDiffersOnOneByteChange(t *testing.T) {
	a := bytes.Repeat([]byte{0x42}, 4096)
	b := append([]byte{}, a...)
	b[2000] ^= 0x01

	if SHA1Block(a) == SHA1Block(b) {
		t.Errorf("SHA1Block collided on a single flipped byte")
	}
	if SHA1Block(a) != SHA1Block(append([]byte{}, a...)) {
		t.Errorf("SHA1Block is not deterministic for identical input")
	}
}

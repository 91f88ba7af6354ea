// Package opatch implements opatch-1, the generic fixed-block delta
// format: a SHA-1 index of the baseline's fixed-size blocks drives a greedy
// COPY/ADD op stream, gzip-wrapped. It is agnostic to ZIP structure and
// is the smallest format for small textual deltas (distilled spec §4.5
// "Why three formats").
package opatch

import (
	"bufio"
	"compress/gzip"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"apkdelta/internal/apkerr"
	"apkdelta/internal/apkhash"
)

// Result carries the sizes and digests a successful Build or Apply
// observed, for the caller to fold into a manifest or cross-check.
type Result struct {
	BlockSize  int
	OldSize    uint64
	NewSize    uint64
	OldSha256  [sha256.Size]byte
	NewSha256  [sha256.Size]byte
}

// Build writes an opatch-1 patch reconstructing newPath from oldPath to
// outPath, tiling both files into blockSize blocks (DefaultBlockSize if
// blockSize <= 0).
func Build(oldPath, newPath, outPath string, blockSize int) (Result, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	oldInfo, err := os.Stat(oldPath)
	if err != nil {
		return Result{}, err
	}
	newInfo, err := os.Stat(newPath)
	if err != nil {
		return Result{}, err
	}

	oldSha, err := apkhash.SHA256File(oldPath)
	if err != nil {
		return Result{}, err
	}
	newSha, err := apkhash.SHA256File(newPath)
	if err != nil {
		return Result{}, err
	}

	oldSeq, oldMap, err := indexBlocks(oldPath, blockSize)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(dirOf(outPath), 0o755); err != nil {
		return Result{}, err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, err
	}
	defer out.Close()

	gz, _ := gzip.NewWriterLevel(out, gzip.BestCompression)
	w := bufio.NewWriter(gz)

	if _, err := w.Write(magic[:]); err != nil {
		return Result{}, err
	}
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(blockSize))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(oldInfo.Size()))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(newInfo.Size()))
	if _, err := w.Write(hdr[:]); err != nil {
		return Result{}, err
	}
	if _, err := w.Write(oldSha[:]); err != nil {
		return Result{}, err
	}
	if _, err := w.Write(newSha[:]); err != nil {
		return Result{}, err
	}

	if err := buildOps(w, newPath, blockSize, oldSeq, oldMap); err != nil {
		return Result{}, err
	}

	if err := w.Flush(); err != nil {
		return Result{}, err
	}
	if err := gz.Close(); err != nil {
		return Result{}, err
	}

	return Result{
		BlockSize: blockSize,
		OldSize:   uint64(oldInfo.Size()),
		NewSize:   uint64(newInfo.Size()),
		OldSha256: oldSha,
		NewSha256: newSha,
	}, nil
}

// indexBlocks tiles oldPath into blockSize blocks, returning the aligned
// sequence of per-block SHA-1 digests and a map from digest to the first
// offset it was observed at (distilled spec's Open Questions: keep the
// first-observed policy for determinism, not the closest offset).
func indexBlocks(path string, blockSize int) (seq [][sha1.Size]byte, offsets map[[sha1.Size]byte]int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	offsets = map[[sha1.Size]byte]int64{}
	buf := make([]byte, blockSize)
	var idx int64
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			h := apkhash.SHA1Block(buf[:n])
			seq = append(seq, h)
			if _, ok := offsets[h]; !ok {
				offsets[h] = idx * int64(blockSize)
			}
			idx++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
	return seq, offsets, nil
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingCopy
	pendingAdd
)

func buildOps(w *bufio.Writer, newPath string, blockSize int, oldSeq [][sha1.Size]byte, oldMap map[[sha1.Size]byte]int64) error {
	nf, err := os.Open(newPath)
	if err != nil {
		return err
	}
	defer nf.Close()

	kind := pendingNone
	var copyOff, copyLen int64
	addBuf := make([]byte, 0, MaxAddChunkBytes)

	flush := func() error {
		switch kind {
		case pendingNone:
			return nil
		case pendingCopy:
			if err := writeCopy(w, uint64(copyOff), uint64(copyLen)); err != nil {
				return err
			}
		case pendingAdd:
			if err := writeAdd(w, addBuf); err != nil {
				return err
			}
			addBuf = addBuf[:0]
		}
		kind = pendingNone
		copyOff, copyLen = 0, 0
		return nil
	}

	buf := make([]byte, blockSize)
	var idx int64
	for {
		n, rerr := io.ReadFull(nf, buf)
		if n > 0 {
			blk := buf[:n]
			h := apkhash.SHA1Block(blk)

			var off int64 = -1
			if int(idx) < len(oldSeq) && oldSeq[idx] == h {
				off = idx * int64(blockSize)
			} else if o, ok := oldMap[h]; ok {
				off = o
			}

			if off >= 0 {
				if kind == pendingCopy && copyOff+copyLen == off {
					copyLen += int64(n)
				} else {
					if err := flush(); err != nil {
						return err
					}
					kind = pendingCopy
					copyOff, copyLen = off, int64(n)
				}
			} else {
				if kind != pendingAdd {
					if err := flush(); err != nil {
						return err
					}
					kind = pendingAdd
				}
				addBuf = append(addBuf, blk...)
				if len(addBuf) >= MaxAddChunkBytes {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			idx++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return w.WriteByte(opEnd)
}

func writeCopy(w *bufio.Writer, off, length uint64) error {
	var b [1 + 8 + 8]byte
	b[0] = opCopy
	binary.LittleEndian.PutUint64(b[1:9], off)
	binary.LittleEndian.PutUint64(b[9:17], length)
	_, err := w.Write(b[:])
	return err
}

func writeAdd(w *bufio.Writer, data []byte) error {
	var b [1 + 8]byte
	b[0] = opAdd
	binary.LittleEndian.PutUint64(b[1:9], uint64(len(data)))
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// Apply reconstructs the target described by patchPath from oldPath,
// writing it to outPath via a temporary sibling file that is renamed
// into place only after every integrity check passes. Any failure
// removes the temporary file and leaves outPath untouched.
func Apply(oldPath, patchPath, outPath string) (Result, error) {
	pf, err := os.Open(patchPath)
	if err != nil {
		return Result{}, err
	}
	defer pf.Close()

	gz, err := gzip.NewReader(pf)
	if err != nil {
		return Result{}, fmt.Errorf("%w: not a gzip stream: %s", apkerr.PatchIntegrity, err)
	}
	defer gz.Close()
	r := bufio.NewReader(gz)

	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return Result{}, fmt.Errorf("%w: truncated magic: %s", apkerr.PatchIntegrity, err)
	}
	if gotMagic != magic {
		return Result{}, fmt.Errorf("%w: bad magic", apkerr.PatchIntegrity)
	}

	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Result{}, fmt.Errorf("%w: truncated header: %s", apkerr.PatchIntegrity, err)
	}
	blockSize := binary.LittleEndian.Uint32(hdr[0:4])
	oldSize := binary.LittleEndian.Uint64(hdr[4:12])
	newSize := binary.LittleEndian.Uint64(hdr[12:20])

	var oldSha, newSha [sha256.Size]byte
	if _, err := io.ReadFull(r, oldSha[:]); err != nil {
		return Result{}, fmt.Errorf("%w: truncated baseline sha: %s", apkerr.PatchIntegrity, err)
	}
	if _, err := io.ReadFull(r, newSha[:]); err != nil {
		return Result{}, fmt.Errorf("%w: truncated target sha: %s", apkerr.PatchIntegrity, err)
	}

	oldInfo, err := os.Stat(oldPath)
	if err != nil {
		return Result{}, err
	}
	if uint64(oldInfo.Size()) != oldSize {
		return Result{}, fmt.Errorf("%w: baseline size mismatch", apkerr.BaselineMismatch)
	}
	actualOldSha, err := apkhash.SHA256File(oldPath)
	if err != nil {
		return Result{}, err
	}
	if actualOldSha != oldSha {
		return Result{}, fmt.Errorf("%w: baseline sha256 mismatch", apkerr.BaselineMismatch)
	}

	oldf, err := os.Open(oldPath)
	if err != nil {
		return Result{}, err
	}
	defer oldf.Close()

	tmpPath := outPath + ".tmp"
	if err := os.MkdirAll(dirOf(outPath), 0o755); err != nil {
		return Result{}, err
	}
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, err
	}
	cleanup := func() { out.Close(); os.Remove(tmpPath) }

	written, applyErr := applyOps(r, oldf, out)
	if applyErr != nil {
		cleanup()
		return Result{}, applyErr
	}
	// The op stream ends at END; read the gzip stream to its end as well so
	// its CRC-32 and size trailer are checked.
	if _, err := io.Copy(io.Discard, r); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("%w: gzip trailer: %s", apkerr.PatchIntegrity, err)
	}
	if written != newSize {
		cleanup()
		return Result{}, fmt.Errorf("%w: target size mismatch: wrote %d want %d", apkerr.PatchIntegrity, written, newSize)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}

	actualNewSha, err := apkhash.SHA256File(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}
	if actualNewSha != newSha {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("%w: target sha256 mismatch", apkerr.TargetIntegrity)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}

	return Result{
		BlockSize: int(blockSize),
		OldSize:   oldSize,
		NewSize:   newSize,
		OldSha256: oldSha,
		NewSha256: newSha,
	}, nil
}

func applyOps(r *bufio.Reader, oldf *os.File, out *os.File) (uint64, error) {
	var written uint64
	copyBuf := make([]byte, 1<<20)
	for {
		opb, err := r.ReadByte()
		if err != nil {
			return written, fmt.Errorf("%w: unexpected eof reading opcode: %s", apkerr.PatchIntegrity, err)
		}
		switch opb {
		case opEnd:
			return written, nil
		case opCopy:
			var b [16]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return written, fmt.Errorf("%w: truncated copy op: %s", apkerr.PatchIntegrity, err)
			}
			off := binary.LittleEndian.Uint64(b[0:8])
			length := binary.LittleEndian.Uint64(b[8:16])
			if _, err := oldf.Seek(int64(off), io.SeekStart); err != nil {
				return written, err
			}
			remaining := length
			for remaining > 0 {
				n := uint64(len(copyBuf))
				if remaining < n {
					n = remaining
				}
				rn, rerr := io.ReadFull(oldf, copyBuf[:n])
				if rn > 0 {
					if _, werr := out.Write(copyBuf[:rn]); werr != nil {
						return written, werr
					}
					written += uint64(rn)
					remaining -= uint64(rn)
				}
				if rerr != nil {
					return written, fmt.Errorf("%w: copy read underflow: %s", apkerr.PatchIntegrity, rerr)
				}
			}
		case opAdd:
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return written, fmt.Errorf("%w: truncated add op: %s", apkerr.PatchIntegrity, err)
			}
			length := binary.LittleEndian.Uint64(b[:])
			remaining := length
			for remaining > 0 {
				n := uint64(len(copyBuf))
				if remaining < n {
					n = remaining
				}
				rn, rerr := io.ReadFull(r, copyBuf[:n])
				if rn > 0 {
					if _, werr := out.Write(copyBuf[:rn]); werr != nil {
						return written, werr
					}
					written += uint64(rn)
					remaining -= uint64(rn)
				}
				if rerr != nil {
					return written, fmt.Errorf("%w: add read underflow: %s", apkerr.PatchIntegrity, rerr)
				}
			}
		default:
			return written, fmt.Errorf("%w: unknown opcode %#x", apkerr.PatchIntegrity, opb)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

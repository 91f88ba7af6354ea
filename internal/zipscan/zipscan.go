// Package zipscan parses a ZIP file's central directory and local file
// headers without inflating any entry payload. archive/zip intentionally
// hides local-header byte offsets and raw record spans; apkraw-1 needs both
// to copy ZIP local records byte-for-byte, and apkzip-1 needs a stable
// structural signature across repacks. So, like the pack's own APK
// signing-block scanners (which bypass archive/zip for the same reason —
// they need raw offsets the standard library won't give up), this package
// reads the on-disk layout directly with encoding/binary.
package zipscan

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	sigLocalFileHeader  = 0x04034b50
	sigCentralDirHeader = 0x02014b50
	sigEndOfCentralDir  = 0x06054b50
	sigZip64EOCDLocator = 0x07064b50
	sigZip64EOCDRecord  = 0x06064b50
	sigDataDescriptor   = 0x08074b50

	lenLocalFileHeader  = 30
	lenCentralDirHeader = 46
	lenEndOfCentralDir  = 22
	lenZip64EOCDLocator = 20

	zip64SizeSentinel32 = 0xffffffff
	zip64OffsetSentinel = 0xffffffff

	// maxEOCDCommentScan bounds the backward scan for the EOCD record: the
	// fixed record plus the largest possible (uint16) comment.
	maxEOCDCommentScan = lenEndOfCentralDir + 0xffff
)

// Entry describes one non-directory or directory central-directory record.
type Entry struct {
	Name                  string
	CRC32                 uint32
	UncompressedSize      uint64
	CompressedSize        uint64
	CompressMethod        uint16
	GeneralPurposeBitFlag uint16
	HeaderOffset          int64
}

// IsDir reports whether the entry represents a ZIP directory placeholder.
func (e Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// Reader parses a ZIP file's structure from a seekable file handle.
type Reader struct {
	f             *os.File
	size          int64
	entries       []Entry
	cdOffset      int64
	tailStart     int64 // byte offset just past the highest local record end
	tailStartKnown bool
}

// Open parses the central directory of the ZIP file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Entries returns the parsed central-directory records, in on-disk order.
func (r *Reader) Entries() []Entry {
	return r.entries
}

func (r *Reader) parse() error {
	fi, err := r.f.Stat()
	if err != nil {
		return err
	}
	r.size = fi.Size()
	if r.size < lenEndOfCentralDir {
		return fmt.Errorf("zipscan: file too small to be a zip")
	}

	eocdOffset, cdOffset, cdSize, cdCount, err := r.findEndOfCentralDir()
	if err != nil {
		return err
	}
	r.cdOffset = cdOffset

	entries, err := r.readCentralDir(cdOffset, cdSize, cdCount)
	if err != nil {
		return err
	}
	r.entries = entries
	_ = eocdOffset
	return nil
}

// findEndOfCentralDir scans backward from EOF for the EOCD signature,
// verifying the comment-length field matches the scan distance (the same
// defense the original tooling applies: the comment itself can contain the
// magic bytes). When any of the classic 32-bit fields carries the zip64
// sentinel, the zip64 locator/record pair is consulted instead.
func (r *Reader) findEndOfCentralDir() (eocdOffset, cdOffset int64, cdSize int64, cdCount int64, err error) {
	window := int64(maxEOCDCommentScan)
	if window > r.size {
		window = r.size
	}
	buf := make([]byte, window)
	if _, err = r.f.ReadAt(buf, r.size-window); err != nil && err != io.EOF {
		return 0, 0, 0, 0, err
	}

	for i := len(buf) - lenEndOfCentralDir; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:i+4]) != sigEndOfCentralDir {
			continue
		}
		commentLen := binary.LittleEndian.Uint16(buf[i+20 : i+22])
		distanceFromEnd := len(buf) - i - lenEndOfCentralDir
		if int(commentLen) != distanceFromEnd {
			continue
		}
		eocdOffset = r.size - window + int64(i)
		cdSize = int64(binary.LittleEndian.Uint32(buf[i+12 : i+16]))
		cdOffset = int64(binary.LittleEndian.Uint32(buf[i+16 : i+20]))
		cdCount = int64(binary.LittleEndian.Uint16(buf[i+10 : i+12]))

		if cdOffset == zip64OffsetSentinel || cdSize == zip64SizeSentinel32 || cdCount == 0xffff {
			if zo, zs, zc, zerr := r.readZip64EOCD(eocdOffset); zerr == nil {
				cdOffset, cdSize, cdCount = zo, zs, zc
			}
		}
		return eocdOffset, cdOffset, cdSize, cdCount, nil
	}
	return 0, 0, 0, 0, fmt.Errorf("zipscan: end of central directory record not found")
}

func (r *Reader) readZip64EOCD(eocdOffset int64) (cdOffset, cdSize, cdCount int64, err error) {
	locOffset := eocdOffset - lenZip64EOCDLocator
	if locOffset < 0 {
		return 0, 0, 0, fmt.Errorf("zipscan: no room for zip64 locator")
	}
	loc := make([]byte, lenZip64EOCDLocator)
	if _, err = r.f.ReadAt(loc, locOffset); err != nil {
		return 0, 0, 0, err
	}
	if binary.LittleEndian.Uint32(loc[0:4]) != sigZip64EOCDLocator {
		return 0, 0, 0, fmt.Errorf("zipscan: zip64 locator signature mismatch")
	}
	recOffset := int64(binary.LittleEndian.Uint64(loc[8:16]))

	rec := make([]byte, 56)
	if _, err = r.f.ReadAt(rec, recOffset); err != nil {
		return 0, 0, 0, err
	}
	if binary.LittleEndian.Uint32(rec[0:4]) != sigZip64EOCDRecord {
		return 0, 0, 0, fmt.Errorf("zipscan: zip64 eocd record signature mismatch")
	}
	cdCount = int64(binary.LittleEndian.Uint64(rec[32:40]))
	cdSize = int64(binary.LittleEndian.Uint64(rec[40:48]))
	cdOffset = int64(binary.LittleEndian.Uint64(rec[48:56]))
	return cdOffset, cdSize, cdCount, nil
}

func (r *Reader) readCentralDir(cdOffset, cdSize, cdCount int64) ([]Entry, error) {
	buf := make([]byte, cdSize)
	if _, err := r.f.ReadAt(buf, cdOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("zipscan: read central directory: %w", err)
	}

	var entries []Entry
	pos := 0
	for pos+lenCentralDirHeader <= len(buf) {
		if binary.LittleEndian.Uint32(buf[pos:pos+4]) != sigCentralDirHeader {
			break
		}
		gpbf := binary.LittleEndian.Uint16(buf[pos+8 : pos+10])
		method := binary.LittleEndian.Uint16(buf[pos+10 : pos+12])
		crc := binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
		compSize := uint64(binary.LittleEndian.Uint32(buf[pos+20 : pos+24]))
		uncompSize := uint64(binary.LittleEndian.Uint32(buf[pos+24 : pos+28]))
		nameLen := int(binary.LittleEndian.Uint16(buf[pos+28 : pos+30]))
		extraLen := int(binary.LittleEndian.Uint16(buf[pos+30 : pos+32]))
		commentLen := int(binary.LittleEndian.Uint16(buf[pos+32 : pos+34]))
		headerOffset := uint64(binary.LittleEndian.Uint32(buf[pos+42 : pos+46]))

		nameStart := pos + lenCentralDirHeader
		if nameStart+nameLen+extraLen+commentLen > len(buf) {
			return nil, fmt.Errorf("zipscan: truncated central directory record")
		}
		name := string(buf[nameStart : nameStart+nameLen])
		extra := buf[nameStart+nameLen : nameStart+nameLen+extraLen]

		compSize, uncompSize, headerOffset = resolveZip64Sizes(extra, compSize, uncompSize, headerOffset)

		entries = append(entries, Entry{
			Name:                  name,
			CRC32:                 crc,
			UncompressedSize:      uncompSize,
			CompressedSize:        compSize,
			CompressMethod:        method,
			GeneralPurposeBitFlag: gpbf,
			HeaderOffset:          int64(headerOffset),
		})

		pos = nameStart + nameLen + extraLen + commentLen
	}
	if cdCount > 0 && int64(len(entries)) != cdCount {
		// Tolerate a mismatch silently: some producers miscount; the
		// records we did parse are still structurally valid.
		_ = cdCount
	}
	return entries, nil
}

// resolveZip64Sizes substitutes the 64-bit fields from a zip64 extended
// information extra block (tag 0x0001) wherever the classic 32-bit field
// carried the 0xffffffff sentinel. Field order within the extra block is
// uncompressed size, compressed size, then header offset, which differs
// from the fixed record (there compressed size comes first).
func resolveZip64Sizes(extra []byte, compSize, uncompSize, headerOffset uint64) (uint64, uint64, uint64) {
	for i := 0; i+4 <= len(extra); {
		tag := binary.LittleEndian.Uint16(extra[i : i+2])
		size := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if i+4+size > len(extra) {
			break
		}
		if tag == 0x0001 {
			body := extra[i+4 : i+4+size]
			off := 0
			if uncompSize == zip64SizeSentinel32 && off+8 <= len(body) {
				uncompSize = binary.LittleEndian.Uint64(body[off : off+8])
				off += 8
			}
			if compSize == zip64SizeSentinel32 && off+8 <= len(body) {
				compSize = binary.LittleEndian.Uint64(body[off : off+8])
				off += 8
			}
			if headerOffset == zip64OffsetSentinel && off+8 <= len(body) {
				headerOffset = binary.LittleEndian.Uint64(body[off : off+8])
				off += 8
			}
			break
		}
		i += 4 + size
	}
	return compSize, uncompSize, headerOffset
}

// ReadLocalRecordBytes returns the raw byte span for e, starting at its
// local file header and covering the header, filename, extra field,
// compressed payload, and — if GPBF bit 3 is set — the trailing data
// descriptor (12 bytes, or 16 if it carries the optional 0x08074b50
// signature).
func (r *Reader) ReadLocalRecordBytes(e Entry) (data []byte, endOffset int64, err error) {
	hdr := make([]byte, lenLocalFileHeader)
	if _, err = r.f.ReadAt(hdr, e.HeaderOffset); err != nil {
		return nil, 0, fmt.Errorf("zipscan: read local header for %q: %w", e.Name, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != sigLocalFileHeader {
		return nil, 0, fmt.Errorf("zipscan: bad local header signature for %q", e.Name)
	}
	nameLen := int(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(hdr[28:30]))

	dataStart := e.HeaderOffset + lenLocalFileHeader + int64(nameLen) + int64(extraLen)
	dataEnd := dataStart + int64(e.CompressedSize)

	end := dataEnd
	if e.GeneralPurposeBitFlag&0x08 != 0 {
		probe := make([]byte, 4)
		if _, err = r.f.ReadAt(probe, dataEnd); err != nil {
			return nil, 0, fmt.Errorf("zipscan: read data descriptor for %q: %w", e.Name, err)
		}
		if binary.LittleEndian.Uint32(probe) == sigDataDescriptor {
			end = dataEnd + 16
		} else {
			end = dataEnd + 12
		}
	}

	span := make([]byte, end-e.HeaderOffset)
	if _, err = r.f.ReadAt(span, e.HeaderOffset); err != nil {
		return nil, 0, fmt.Errorf("zipscan: read local record for %q: %w", e.Name, err)
	}
	return span, end, nil
}

// TailBytes returns the bytes from just past the highest local record end
// (across all entries) through EOF: the central directory, EOCD, and any
// zip64 structures between them.
func (r *Reader) TailBytes() ([]byte, error) {
	tailStart, err := r.tailStartOffset()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.size-tailStart)
	if _, err := r.f.ReadAt(buf, tailStart); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) tailStartOffset() (int64, error) {
	if r.tailStartKnown {
		return r.tailStart, nil
	}
	max := int64(0)
	for _, e := range r.entries {
		_, end, err := r.ReadLocalRecordBytes(e)
		if err != nil {
			return 0, err
		}
		if end > max {
			max = end
		}
	}
	r.tailStart = max
	r.tailStartKnown = true
	return max, nil
}

// TreeSignature computes the zip-tree signature: SHA-256 over the
// concatenation, in filename-ascending order, of
// "<name>\t<crc32>\t<uncompressed_size>\t<compress_method>\n" for every
// non-directory entry.
func (r *Reader) TreeSignature() ([sha256.Size]byte, error) {
	return TreeSignatureOf(r.entries)
}

// TreeSignatureOf computes the zip-tree signature for an arbitrary entry
// set, letting callers (e.g. codecs rebuilding a target) verify the
// signature of an output they haven't reopened from disk.
func TreeSignatureOf(entries []Entry) ([sha256.Size]byte, error) {
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s\t%d\t%d\t%d\n", e.Name, e.CRC32, e.UncompressedSize, e.CompressMethod)
	}
	return sha256.Sum256(buf.Bytes()), nil
}

package opatch

// Wire layout (gzip-wrapped), per distilled spec §6:
//
//	magic:       8 bytes  "OPATCH1\0"
//	header:      <u32 blockSize><u64 oldSize><u64 newSize>   little-endian
//	baselineSha: 32 bytes  SHA-256 of baseline
//	targetSha:   32 bytes  SHA-256 of target
//	ops:         one of
//	  COPY  = 0x01 <u64 offset> <u64 length>
//	  ADD   = 0x02 <u64 length> <length bytes>
//	  END   = 0x00

var magic = [8]byte{'O', 'P', 'A', 'T', 'C', 'H', '1', 0}

const (
	opEnd  byte = 0x00
	opCopy byte = 0x01
	opAdd  byte = 0x02
)

// DefaultBlockSize is used when a builder omits an explicit block size.
const DefaultBlockSize = 4096

// MaxAddChunkBytes bounds a single ADD segment: the ADD buffer is flushed
// as soon as it reaches this size, so a segment exceeds it by less than
// one block, and longer runs of misses are split into consecutive ADD ops.
const MaxAddChunkBytes = 4 << 20

const headerLen = 4 + 8 + 8 // blockSize, oldSize, newSize

package validate

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxGzipOutput bounds the inflate work spent finding the end of a member.
const maxGzipOutput = 4 << 30

// countingReader reports how many bytes the inflater actually consumed;
// exposing ReadByte keeps it from reading ahead.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// gzipMember inflates the first member and returns its length including
// the CRC and size trailer, which the reader verifies.
func gzipMember(r io.ReaderAt, limit int64) (int64, error) {
	cr := &countingReader{r: bufio.NewReader(io.NewSectionReader(r, 0, limit))}
	zr, err := gzip.NewReader(cr)
	if err != nil {
		return 0, gzipErr(err)
	}
	zr.Multistream(false)
	n, err := io.CopyN(io.Discard, zr, maxGzipOutput)
	switch {
	case err == nil:
		return 0, fmt.Errorf("member inflates past %d bytes", n)
	case !errors.Is(err, io.EOF):
		return 0, gzipErr(err)
	}
	return cr.n, nil
}

func gzipErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("gzip: %w", ErrTruncated)
	}
	return fmt.Errorf("gzip: %w", err)
}

func checkGzip(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 10)
	if err != nil || hdr[0] != 0x1F || hdr[1] != 0x8B {
		return Rejected("missing gzip magic")
	}
	if hdr[2] != 8 || hdr[3]&0xE0 != 0 {
		return Rejected("unsupported method %d or flags 0x%02x", hdr[2], hdr[3])
	}
	n, err := gzipMember(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if n != size {
		return Rejected("member ends at %d of %d", n, size)
	}
	return Valid(ConfidenceHigh)
}

var sevenZipSignature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}

const maxSevenZipHeader = 64 << 20

type sevenZipStart struct {
	nextOff, nextSize int64
	nextCRC           uint32
}

func readSevenZipStart(r io.ReaderAt) (sevenZipStart, error) {
	var s sevenZipStart
	hdr, err := readFull(r, 0, 32)
	if err != nil {
		return s, err
	}
	if !bytes.Equal(hdr[:6], sevenZipSignature) {
		return s, errors.New("missing 7z signature")
	}
	if crc32.ChecksumIEEE(hdr[12:32]) != binary.LittleEndian.Uint32(hdr[8:12]) {
		return s, errors.New("start header crc mismatch")
	}
	off, size := binary.LittleEndian.Uint64(hdr[12:20]), binary.LittleEndian.Uint64(hdr[20:28])
	if off > 1<<48 || size > maxSevenZipHeader {
		return s, fmt.Errorf("next header at %d size %d", off, size)
	}
	return sevenZipStart{int64(off), int64(size), binary.LittleEndian.Uint32(hdr[28:32])}, nil
}

func (s sevenZipStart) end() int64 { return 32 + s.nextOff + s.nextSize }

func checkSevenZip(r io.ReaderAt, size int64) Result {
	s, err := readSevenZipStart(r)
	if err != nil {
		return Rejected("%s", err)
	}
	if s.end() != size {
		return Rejected("next header ends at %d of %d", s.end(), size)
	}
	if s.nextSize == 0 {
		return Valid(ConfidenceLow)
	}
	next, err := readFull(r, 32+s.nextOff, int(s.nextSize))
	if err != nil {
		return Rejected("next header unreadable")
	}
	if crc32.ChecksumIEEE(next) != s.nextCRC {
		return Rejected("next header crc mismatch")
	}
	if next[0] != 0x01 && next[0] != 0x17 {
		return Rejected("next header id 0x%02x", next[0])
	}
	return Valid(ConfidenceHigh)
}

func sizeSevenZip(r io.ReaderAt, limit int64) (int64, error) {
	s, err := readSevenZipStart(r)
	if err != nil {
		return 0, err
	}
	if s.end() > limit {
		return 0, ErrTruncated
	}
	return s.end(), nil
}

var (
	rar4Signature = []byte("Rar!\x1A\x07\x00")
	rar5Signature = []byte("Rar!\x1A\x07\x01\x00")
)

const (
	rar4Main = 0x73
	rar4End  = 0x7B
	rar5Main = 1
	rar5End  = 5

	maxRARBlocks = 1 << 20
)

// checkRAR walks the block chain from the signature to the end-of-archive
// block, which must close the candidate exactly.
func checkRAR(r io.ReaderAt, size int64) Result {
	sig, err := readFull(r, 0, 8)
	if err != nil {
		return Rejected("rar signature truncated")
	}
	var end int64
	switch {
	case bytes.Equal(sig, rar5Signature):
		end, err = walkRAR5(r, size)
	case bytes.HasPrefix(sig, rar4Signature):
		end, err = walkRAR4(r, size)
	default:
		return Rejected("missing rar signature")
	}
	if err != nil {
		return Rejected("%s", err)
	}
	if end != size {
		return Rejected("end of archive at %d of %d", end, size)
	}
	return Valid(ConfidenceHigh)
}

func walkRAR4(r io.ReaderAt, limit int64) (int64, error) {
	pos := int64(len(rar4Signature))
	for i := 0; i < maxRARBlocks && pos+7 <= limit; i++ {
		b, err := readFull(r, pos, 11)
		if err != nil {
			if b, err = readFull(r, pos, 7); err != nil {
				return 0, err
			}
		}
		typ, flags, hsize := b[2], binary.LittleEndian.Uint16(b[3:5]), int64(binary.LittleEndian.Uint16(b[5:7]))
		if hsize < 7 {
			return 0, fmt.Errorf("block at %d: header size %d", pos, hsize)
		}
		if i == 0 {
			if typ != rar4Main {
				return 0, fmt.Errorf("first block type 0x%02x", typ)
			}
			h, err := readFull(r, pos, int(hsize))
			if err != nil {
				return 0, err
			}
			if uint16(crc32.ChecksumIEEE(h[2:])) != binary.LittleEndian.Uint16(h[0:2]) {
				return 0, errors.New("main header crc mismatch")
			}
		}
		total := hsize
		if flags&0x8000 != 0 {
			if len(b) < 11 {
				return 0, ErrTruncated
			}
			total += int64(binary.LittleEndian.Uint32(b[7:11]))
		}
		pos += total
		if typ == rar4End {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("no end of archive block: %w", ErrTruncated)
}

// rarVint decodes the little-endian base-128 integers of the RAR 5 format.
func rarVint(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("bad vint")
}

func walkRAR5(r io.ReaderAt, limit int64) (int64, error) {
	pos := int64(len(rar5Signature))
	for i := 0; i < maxRARBlocks && pos+7 <= limit; i++ {
		b, err := readFull(r, pos, int(min(32, limit-pos)))
		if err != nil {
			return 0, err
		}
		hsize, n, err := rarVint(b[4:])
		if err != nil || hsize == 0 || hsize > 2<<20 {
			return 0, fmt.Errorf("block at %d: bad header size", pos)
		}
		h, err := readFull(r, pos+4, n+int(hsize))
		if err != nil {
			return 0, err
		}
		if crc32.ChecksumIEEE(h) != binary.LittleEndian.Uint32(b[0:4]) {
			return 0, fmt.Errorf("block at %d: header crc mismatch", pos)
		}
		body := h[n:]
		typ, k, err := rarVint(body)
		if err != nil {
			return 0, err
		}
		flags, m, err := rarVint(body[k:])
		if err != nil {
			return 0, err
		}
		if i == 0 && typ != rar5Main {
			return 0, fmt.Errorf("first block type %d", typ)
		}
		var data uint64
		rest := body[k+m:]
		if flags&0x01 != 0 {
			_, e, err := rarVint(rest)
			if err != nil {
				return 0, err
			}
			rest = rest[e:]
		}
		if flags&0x02 != 0 {
			if data, _, err = rarVint(rest); err != nil {
				return 0, err
			}
		}
		pos += 4 + int64(n) + int64(hsize) + int64(data)
		if typ == rar5End {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("no end of archive block: %w", ErrTruncated)
}

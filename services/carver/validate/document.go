package validate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

const (
	oleHeaderLen   = 512
	oleHeaderDIFAT = 109
	oleFree        = 0xFFFFFFFF
	oleEndOfChain  = 0xFFFFFFFE
	oleMaxRegular  = 0xFFFFFFFA
	maxOLESectors  = 1 << 20
)

type oleHeader struct {
	sectorSize int64
	fatSectors int
	firstDir   uint32
	firstDIFAT uint32
	difat      []uint32
}

func readOLEHeader(r io.ReaderAt) (oleHeader, error) {
	var h oleHeader
	b, err := readFull(r, 0, oleHeaderLen)
	if err != nil {
		return h, err
	}
	if !bytes.Equal(b[:8], oleSignature) {
		return h, errors.New("missing compound file signature")
	}
	if binary.LittleEndian.Uint16(b[28:30]) != 0xFFFE {
		return h, errors.New("bad byte order mark")
	}
	major, shift := binary.LittleEndian.Uint16(b[26:28]), binary.LittleEndian.Uint16(b[30:32])
	if !(major == 3 && shift == 9) && !(major == 4 && shift == 12) {
		return h, fmt.Errorf("version %d with sector shift %d", major, shift)
	}
	if binary.LittleEndian.Uint16(b[32:34]) != 6 {
		return h, errors.New("bad mini sector shift")
	}
	h.sectorSize = 1 << shift
	h.fatSectors = int(binary.LittleEndian.Uint32(b[44:48]))
	if h.fatSectors == 0 || h.fatSectors > maxOLESectors {
		return h, fmt.Errorf("%d fat sectors", h.fatSectors)
	}
	h.firstDir = binary.LittleEndian.Uint32(b[48:52])
	h.firstDIFAT = binary.LittleEndian.Uint32(b[68:72])
	for i := 0; i < oleHeaderDIFAT && len(h.difat) < h.fatSectors; i++ {
		h.difat = append(h.difat, binary.LittleEndian.Uint32(b[76+4*i:]))
	}
	return h, nil
}

func (h oleHeader) sectorOffset(id uint32) int64 { return (int64(id) + 1) * h.sectorSize }

// fatSectorIDs completes the header's DIFAT list from the DIFAT chain.
func (h oleHeader) fatSectorIDs(r io.ReaderAt, limit int64) ([]uint32, error) {
	ids := h.difat
	per := int(h.sectorSize/4) - 1
	next := h.firstDIFAT
	for hops := 0; len(ids) < h.fatSectors; hops++ {
		if next > oleMaxRegular || hops > maxOLESectors {
			return nil, errors.New("difat chain ends early")
		}
		off := h.sectorOffset(next)
		if off+h.sectorSize > limit {
			return nil, ErrTruncated
		}
		s, err := readFull(r, off, int(h.sectorSize))
		if err != nil {
			return nil, err
		}
		for i := 0; i < per && len(ids) < h.fatSectors; i++ {
			ids = append(ids, binary.LittleEndian.Uint32(s[4*i:]))
		}
		next = binary.LittleEndian.Uint32(s[4*per:])
	}
	return ids, nil
}

// oleEnd returns the end of the last allocated sector: the highest FAT
// index not marked free.
func oleEnd(r io.ReaderAt, h oleHeader, limit int64) (int64, error) {
	ids, err := h.fatSectorIDs(r, limit)
	if err != nil {
		return 0, err
	}
	last := int64(-1)
	per := h.sectorSize / 4
	for i, id := range ids {
		if id > oleMaxRegular {
			return 0, fmt.Errorf("fat sector %d is 0x%08x", i, id)
		}
		off := h.sectorOffset(id)
		if off+h.sectorSize > limit {
			return 0, ErrTruncated
		}
		s, err := readFull(r, off, int(h.sectorSize))
		if err != nil {
			return 0, err
		}
		for j := per - 1; j >= 0; j-- {
			if binary.LittleEndian.Uint32(s[4*j:]) != oleFree {
				last = max(last, int64(i)*per+j)
				break
			}
		}
	}
	if last < 0 {
		return 0, errors.New("no allocated sectors")
	}
	end := (last + 2) * h.sectorSize
	if end > limit {
		return 0, ErrTruncated
	}
	return end, nil
}

func checkOLE(r io.ReaderAt, size int64) Result {
	h, err := readOLEHeader(r)
	if err != nil {
		return Rejected("%s", err)
	}
	end, err := oleEnd(r, h, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if end != size {
		return Rejected("last sector ends at %d of %d", end, size)
	}
	if h.firstDir > oleMaxRegular || h.sectorOffset(h.firstDir)+128 > size {
		return Rejected("directory sector %d out of range", h.firstDir)
	}
	root, err := readFull(r, h.sectorOffset(h.firstDir), 128)
	if err != nil {
		return Rejected("root entry unreadable")
	}
	if root[66] != 5 {
		return Rejected("first directory entry is not the root storage")
	}
	return Valid(ConfidenceHigh)
}

func sizeOLE(r io.ReaderAt, limit int64) (int64, error) {
	h, err := readOLEHeader(r)
	if err != nil {
		return 0, err
	}
	return oleEnd(r, h, limit)
}

const rtfChunk = 32 << 10

// rtfEnd returns the offset just past the brace that closes the outer
// group. Escaped braces do not count; a NUL byte means binary data.
func rtfEnd(r io.ReaderAt, limit int64) (int64, error) {
	buf := make([]byte, rtfChunk)
	depth, escaped := 0, false
	for pos := int64(0); pos < limit; {
		n, err := r.ReadAt(buf[:min(int64(len(buf)), limit-pos)], pos)
		for i, c := range buf[:n] {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					return pos + int64(i) + 1, nil
				}
			case c == 0:
				return 0, fmt.Errorf("nul byte at %d", pos+int64(i))
			}
		}
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
	}
	return 0, fmt.Errorf("unbalanced group: %w", ErrTruncated)
}

func checkRTF(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 6)
	if err != nil || string(hdr[:5]) != "{\\rtf" || !isDigit(hdr[5]) {
		return Rejected("missing {\\rtf header")
	}
	end, err := rtfEnd(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if end != size {
		return Rejected("outer group closes at %d of %d", end, size)
	}
	return Valid(ConfidenceMedium)
}

package validate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const maxJPEGSegments = 4096

func checkJPEG(r io.ReaderAt, size int64) Result {
	soi, err := readFull(r, 0, 2)
	if err != nil || soi[0] != 0xFF || soi[1] != 0xD8 {
		return Rejected("missing SOI marker")
	}
	tail, err := readFull(r, size-2, 2)
	if err != nil || tail[0] != 0xFF || tail[1] != 0xD9 {
		return Rejected("missing EOI marker")
	}
	if _, err := jpegScanStart(r, size-2); err != nil {
		return Rejected("%s", err)
	}
	return Valid(ConfidenceHigh)
}

// jpegScanStart walks the marker segments after SOI up to and including the
// SOS header and returns where entropy-coded data begins. Segments must end
// by limit; otherwise the error wraps ErrTruncated.
func jpegScanStart(r io.ReaderAt, limit int64) (int64, error) {
	pos := int64(2)
	sawFrame := false
	for i := 0; i < maxJPEGSegments; i++ {
		m, err := readFull(r, pos, 2)
		if err != nil {
			return 0, fmt.Errorf("segment at %d truncated: %w", pos, err)
		}
		if m[0] != 0xFF {
			return 0, fmt.Errorf("expected marker at %d, found 0x%02x", pos, m[0])
		}
		marker := m[1]
		switch {
		case marker == 0xFF: // fill byte
			pos++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			pos += 2
			continue
		case marker == 0xD9:
			return 0, errors.New("end of image before scan data")
		}
		lb, err := readFull(r, pos+2, 2)
		if err != nil {
			return 0, fmt.Errorf("segment length at %d truncated: %w", pos, err)
		}
		length := int64(binary.BigEndian.Uint16(lb))
		if length < 2 {
			return 0, fmt.Errorf("segment 0x%02x has invalid length %d", marker, length)
		}
		if isFrameMarker(marker) {
			sawFrame = true
		}
		pos += 2 + length
		if pos > limit {
			return 0, fmt.Errorf("segment 0x%02x overruns candidate: %w", marker, ErrTruncated)
		}
		if marker == 0xDA {
			if !sawFrame {
				return 0, errors.New("scan without frame header")
			}
			return pos, nil
		}
	}
	return 0, errors.New("too many segments")
}

func isFrameMarker(m byte) bool {
	return m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

func checkPNG(r io.ReaderAt, size int64) Result {
	sig, err := readFull(r, 0, 8)
	if err != nil || !bytes.Equal(sig, pngSignature) {
		return Rejected("bad png signature")
	}
	pos := int64(8)
	first := true
	for pos < size {
		hdr, err := readFull(r, pos, 8)
		if err != nil {
			return Rejected("chunk header at %d truncated", pos)
		}
		length := int64(binary.BigEndian.Uint32(hdr[:4]))
		typ := hdr[4:8]
		for _, c := range typ {
			if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
				return Rejected("invalid chunk type at %d", pos)
			}
		}
		if first && (string(typ) != "IHDR" || length != 13) {
			return Rejected("first chunk is not IHDR")
		}
		first = false
		if pos+12+length > size {
			return Rejected("chunk %s overruns candidate", typ)
		}
		crc := crc32.NewIEEE()
		crc.Write(typ)
		if _, err := io.Copy(crc, io.NewSectionReader(r, pos+8, length)); err != nil {
			return Rejected("chunk %s unreadable", typ)
		}
		stored, err := readFull(r, pos+8+length, 4)
		if err != nil {
			return Rejected("chunk %s crc truncated", typ)
		}
		if binary.BigEndian.Uint32(stored) != crc.Sum32() {
			return Rejected("chunk %s crc mismatch", typ)
		}
		pos += 12 + length
		if string(typ) == "IEND" {
			if pos != size {
				return Rejected("data after IEND")
			}
			return Valid(ConfidenceHigh)
		}
	}
	return Rejected("missing IEND chunk")
}

func checkGIF(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 13)
	if err != nil {
		return Rejected("gif header truncated")
	}
	if v := string(hdr[:6]); v != "GIF87a" && v != "GIF89a" {
		return Rejected("unknown gif version %q", v)
	}
	if binary.LittleEndian.Uint16(hdr[6:8]) == 0 || binary.LittleEndian.Uint16(hdr[8:10]) == 0 {
		return Rejected("zero logical screen dimension")
	}
	pos := int64(13)
	if hdr[10]&0x80 != 0 {
		pos += 3 << (uint(hdr[10]&0x07) + 1)
	}
	if pos >= size {
		return Rejected("global color table overruns candidate")
	}
	intro, err := readFull(r, pos, 1)
	if err != nil {
		return Rejected("gif body truncated")
	}
	switch intro[0] {
	case 0x2C, 0x21:
		return Valid(ConfidenceMedium)
	case 0x3B:
		return Valid(ConfidenceLow)
	}
	return Rejected("unexpected block 0x%02x after header", intro[0])
}

func checkBMP(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 30)
	if err != nil {
		return Rejected("bmp header truncated")
	}
	if hdr[0] != 'B' || hdr[1] != 'M' {
		return Rejected("bad bmp signature")
	}
	if int64(binary.LittleEndian.Uint32(hdr[2:6])) != size {
		return Rejected("declared size differs from candidate")
	}
	if binary.LittleEndian.Uint32(hdr[6:10]) != 0 {
		return Rejected("reserved fields not zero")
	}
	dataOff := int64(binary.LittleEndian.Uint32(hdr[10:14]))
	dib := binary.LittleEndian.Uint32(hdr[14:18])
	if dataOff < 14+int64(dib) || dataOff >= size {
		return Rejected("pixel data offset %d out of range", dataOff)
	}
	var planes, bpp uint16
	switch dib {
	case 12:
		planes = binary.LittleEndian.Uint16(hdr[22:24])
		bpp = binary.LittleEndian.Uint16(hdr[24:26])
	case 40, 52, 56, 64, 108, 124:
		if int32(binary.LittleEndian.Uint32(hdr[18:22])) <= 0 || binary.LittleEndian.Uint32(hdr[22:26]) == 0 {
			return Rejected("zero image dimension")
		}
		planes = binary.LittleEndian.Uint16(hdr[26:28])
		bpp = binary.LittleEndian.Uint16(hdr[28:30])
	default:
		return Rejected("unknown DIB header size %d", dib)
	}
	if planes != 1 {
		return Rejected("planes=%d", planes)
	}
	switch bpp {
	case 1, 4, 8, 16, 24, 32:
		return Valid(ConfidenceMedium)
	}
	return Rejected("unsupported bit depth %d", bpp)
}

func sizeBMP(r io.ReaderAt, _ int64) (int64, error) {
	hdr, err := readFull(r, 0, 6)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint32(hdr[2:6])), nil
}

// bmpHeaderEnd is the length of the file and DIB headers.
func bmpHeaderEnd(r io.ReaderAt, limit int64) (int64, error) {
	hdr, err := readFull(r, 0, 18)
	if err != nil {
		return 0, err
	}
	end := 14 + int64(binary.LittleEndian.Uint32(hdr[14:18]))
	if end > limit {
		return end, fmt.Errorf("dib header of %d bytes: %w", end-14, ErrTruncated)
	}
	return end, nil
}

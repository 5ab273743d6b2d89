package validate

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/bits"
)

const pdfTailWindow = 2048

func checkPDF(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 8)
	if err != nil || string(hdr[:5]) != "%PDF-" {
		return Rejected("missing %%PDF- header")
	}
	if !isDigit(hdr[5]) || hdr[6] != '.' || !isDigit(hdr[7]) {
		return Rejected("bad pdf version %q", hdr[5:8])
	}
	tailLen := int64(pdfTailWindow)
	if tailLen > size {
		tailLen = size
	}
	tail, err := readFull(r, size-tailLen, int(tailLen))
	if err != nil {
		return Rejected("pdf tail unreadable")
	}
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return Rejected("missing %%%%EOF")
	}
	if bytes.Contains(tail, []byte("startxref")) {
		return Valid(ConfidenceHigh)
	}
	headLen := int64(4096)
	if headLen > size {
		headLen = size
	}
	head, err := readFull(r, 0, int(headLen))
	if err == nil && bytes.Contains(head, []byte(" obj")) {
		return Valid(ConfidenceMedium)
	}
	return Rejected("no cross-reference or objects found")
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

const zipEOCDLen = 22

func checkZIP(r io.ReaderAt, size int64) Result {
	local, err := readFull(r, 0, 30)
	if err != nil || string(local[:4]) != "PK\x03\x04" {
		return Rejected("missing local file header")
	}
	switch method := binary.LittleEndian.Uint16(local[8:10]); method {
	case 0, 8, 9, 12, 14, 93, 95, 98, 99:
	default:
		return Rejected("unknown compression method %d", method)
	}
	if size < zipEOCDLen+30 {
		return Rejected("too short for an archive")
	}
	eocdPos := size - zipEOCDLen
	eocd, err := readFull(r, eocdPos, zipEOCDLen)
	if err != nil || string(eocd[:4]) != "PK\x05\x06" {
		return Rejected("end of central directory not at tail")
	}
	entries := binary.LittleEndian.Uint16(eocd[10:12])
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:16]))
	cdOff := int64(binary.LittleEndian.Uint32(eocd[16:20]))
	if entries == 0 {
		return Rejected("empty central directory")
	}
	if cdOff+cdSize != eocdPos {
		return Rejected("central directory [%d,+%d) does not end at EOCD %d", cdOff, cdSize, eocdPos)
	}
	cd, err := readFull(r, cdOff, 4)
	if err != nil || string(cd) != "PK\x01\x02" {
		return Rejected("central directory signature missing at %d", cdOff)
	}
	if binary.LittleEndian.Uint16(eocd[20:22]) != 0 {
		// comment bytes lie past the carved range
		return Valid(ConfidenceMedium)
	}
	return Valid(ConfidenceHigh)
}

func checkSQLite(r io.ReaderAt, size int64) Result {
	hdr, err := readFull(r, 0, 100)
	if err != nil {
		return Rejected("sqlite header truncated")
	}
	if string(hdr[:16]) != "SQLite format 3\x00" {
		return Rejected("bad sqlite magic")
	}
	ps := sqlitePageSize(hdr)
	if ps < 512 || ps > 65536 || bits.OnesCount32(uint32(ps)) != 1 {
		return Rejected("invalid page size %d", ps)
	}
	if w, rd := hdr[18], hdr[19]; (w != 1 && w != 2) || (rd != 1 && rd != 2) {
		return Rejected("invalid file format versions %d/%d", w, rd)
	}
	if hdr[21] != 64 || hdr[22] != 32 || hdr[23] != 32 {
		return Rejected("invalid payload fractions")
	}
	if size%ps != 0 {
		return Rejected("size %d not a multiple of page size %d", size, ps)
	}
	return Valid(ConfidenceHigh)
}

func sqlitePageSize(hdr []byte) int64 {
	ps := int64(binary.BigEndian.Uint16(hdr[16:18]))
	if ps == 1 {
		return 65536
	}
	return ps
}

func sizeSQLite(r io.ReaderAt, _ int64) (int64, error) {
	hdr, err := readFull(r, 0, 32)
	if err != nil {
		return 0, err
	}
	pages := int64(binary.BigEndian.Uint32(hdr[28:32]))
	if pages == 0 {
		return 0, ErrTruncated
	}
	return sqlitePageSize(hdr) * pages, nil
}

func riffCheck(form string) checkFunc {
	return func(r io.ReaderAt, size int64) Result {
		hdr, err := readFull(r, 0, 16)
		if err != nil {
			return Rejected("riff header truncated")
		}
		if string(hdr[:4]) != "RIFF" {
			return Rejected("missing RIFF tag")
		}
		if string(hdr[8:12]) != form {
			return Rejected("form type %q, want %q", hdr[8:12], form)
		}
		if int64(binary.LittleEndian.Uint32(hdr[4:8]))+8 != size {
			return Rejected("declared size differs from candidate")
		}
		if !isFourCC(hdr[12:16]) {
			return Rejected("first sub-chunk id is not printable")
		}
		return Valid(ConfidenceMedium)
	}
}

func sizeRIFF(r io.ReaderAt, _ int64) (int64, error) {
	hdr, err := readFull(r, 0, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint32(hdr[4:8])) + 8, nil
}

func isFourCC(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

const maxMP4Boxes = 1 << 16

type mp4Box struct {
	typ  string
	size int64
}

// walkMP4 follows top-level boxes from offset 0 until a box header is
// implausible or limit is reached. It returns the boxes seen and the offset
// where the walk stopped.
func walkMP4(r io.ReaderAt, limit int64) ([]mp4Box, int64) {
	var boxes []mp4Box
	pos := int64(0)
	for i := 0; i < maxMP4Boxes && pos+8 <= limit; i++ {
		hdr, err := readFull(r, pos, 16)
		if err != nil {
			hdr, err = readFull(r, pos, 8)
			if err != nil {
				break
			}
		}
		if !isFourCC(hdr[4:8]) {
			break
		}
		n := int64(binary.BigEndian.Uint32(hdr[:4]))
		if n == 1 {
			if len(hdr) < 16 {
				break
			}
			n = int64(binary.BigEndian.Uint64(hdr[8:16]))
			if n < 16 {
				break
			}
		} else if n < 8 {
			break
		}
		if pos+n > limit {
			break
		}
		boxes = append(boxes, mp4Box{typ: string(hdr[4:8]), size: n})
		pos += n
	}
	return boxes, pos
}

func checkMP4(r io.ReaderAt, size int64) Result {
	boxes, end := walkMP4(r, size)
	if len(boxes) == 0 || boxes[0].typ != "ftyp" {
		return Rejected("first box is not ftyp")
	}
	if end != size {
		return Rejected("box walk stopped at %d of %d", end, size)
	}
	var moov, mdat bool
	for _, b := range boxes {
		switch b.typ {
		case "moov":
			moov = true
		case "mdat":
			mdat = true
		}
	}
	switch {
	case moov && mdat:
		return Valid(ConfidenceHigh)
	case moov || mdat:
		return Valid(ConfidenceMedium)
	}
	return Rejected("no moov or mdat box")
}

func sizeMP4(r io.ReaderAt, limit int64) (int64, error) {
	boxes, end := walkMP4(r, limit)
	if len(boxes) == 0 || boxes[0].typ != "ftyp" {
		return 0, ErrTruncated
	}
	return end, nil
}

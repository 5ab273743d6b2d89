package validate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

const (
	id3HeaderLen = 10
	id3v1Len     = 128
	maxMP3Frames = 1 << 22
)

// Layer III bitrates in kbit/s by bitrate index.
var (
	mp3BitratesV1 = [15]int64{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	mp3BitratesV2 = [15]int64{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
	mp3Rates      = [3]int64{44100, 48000, 32000}
)

// id3TagEnd returns the length of a leading ID3v2 tag.
func id3TagEnd(r io.ReaderAt, limit int64) (int64, error) {
	hdr, err := readFull(r, 0, id3HeaderLen)
	if err != nil {
		return 0, err
	}
	if string(hdr[:3]) != "ID3" || hdr[3] == 0xFF || hdr[4] == 0xFF {
		return 0, errors.New("missing id3 tag")
	}
	var n int64
	for _, b := range hdr[6:10] {
		if b&0x80 != 0 {
			return 0, errors.New("id3 size not syncsafe")
		}
		n = n<<7 | int64(b)
	}
	n += id3HeaderLen
	if hdr[5]&0x10 != 0 {
		n += id3HeaderLen
	}
	if n > limit {
		return n, fmt.Errorf("id3 tag of %d bytes: %w", n, ErrTruncated)
	}
	return n, nil
}

// mp3FrameLen decodes an MPEG audio Layer III frame header.
func mp3FrameLen(h []byte) (int64, bool) {
	if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return 0, false
	}
	version, layer := (h[1]>>3)&3, (h[1]>>1)&3
	bi, ri, pad := h[2]>>4, (h[2]>>2)&3, int64(h[2]>>1)&1
	if version == 1 || layer != 1 || bi == 0 || bi == 15 || ri == 3 {
		return 0, false
	}
	rate := mp3Rates[ri]
	switch version {
	case 3:
		return 144000*mp3BitratesV1[bi]/rate + pad, true
	case 2:
		return 72000*mp3BitratesV2[bi]/(rate/2) + pad, true
	default:
		return 72000*mp3BitratesV2[bi]/(rate/4) + pad, true
	}
}

type mp3Layout struct {
	end    int64
	frames int
}

// walkMP3 skips the ID3v2 tag, follows consecutive frame headers and takes
// a trailing ID3v1 tag if one follows the last frame.
func walkMP3(r io.ReaderAt, limit int64) (mp3Layout, error) {
	pos, err := id3TagEnd(r, limit)
	if err != nil {
		return mp3Layout{}, err
	}
	l := mp3Layout{end: pos}
	for l.frames < maxMP3Frames && pos+4 <= limit {
		h, err := readFull(r, pos, 4)
		if err != nil {
			break
		}
		n, ok := mp3FrameLen(h)
		if !ok || pos+n > limit {
			break
		}
		pos += n
		l.frames++
	}
	if l.frames == 0 {
		return l, errors.New("no mpeg frames after id3 tag")
	}
	l.end = pos
	if pos+id3v1Len <= limit {
		if tag, err := readFull(r, pos, 3); err == nil && string(tag) == "TAG" {
			l.end += id3v1Len
		}
	}
	return l, nil
}

func checkMP3(r io.ReaderAt, size int64) Result {
	l, err := walkMP3(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if l.end != size {
		return Rejected("frames end at %d of %d", l.end, size)
	}
	if l.frames < 2 {
		return Valid(ConfidenceLow)
	}
	return Valid(ConfidenceMedium)
}

func sizeMP3(r io.ReaderAt, limit int64) (int64, error) {
	l, err := walkMP3(r, limit)
	return l.end, err
}

const (
	flvHeaderLen = 9
	flvTagLen    = 11
	maxFLVTags   = 1 << 22
)

type flvLayout struct {
	end  int64
	tags int
}

// walkFLV follows the tag chain, cross-checking each tag's size against
// the back-pointer that follows it.
func walkFLV(r io.ReaderAt, limit int64) (flvLayout, error) {
	var l flvLayout
	hdr, err := readFull(r, 0, flvHeaderLen)
	if err != nil {
		return l, err
	}
	if string(hdr[:3]) != "FLV" || hdr[3] != 1 || hdr[4]&0xFA != 0 {
		return l, errors.New("bad flv header")
	}
	pos := int64(binary.BigEndian.Uint32(hdr[5:9]))
	if pos < flvHeaderLen {
		return l, fmt.Errorf("data offset %d", pos)
	}
	prev, err := readFull(r, pos, 4)
	if err != nil {
		return l, err
	}
	if binary.BigEndian.Uint32(prev) != 0 {
		return l, errors.New("first back-pointer not zero")
	}
	pos += 4
	for l.tags < maxFLVTags && pos+flvTagLen+4 <= limit {
		t, err := readFull(r, pos, flvTagLen)
		if err != nil {
			break
		}
		if typ := t[0] & 0x1F; typ != 8 && typ != 9 && typ != 18 {
			break
		}
		data := int64(t[1])<<16 | int64(t[2])<<8 | int64(t[3])
		if t[8] != 0 || t[9] != 0 || t[10] != 0 {
			break
		}
		next := pos + flvTagLen + data
		if next+4 > limit {
			break
		}
		back, err := readFull(r, next, 4)
		if err != nil || int64(binary.BigEndian.Uint32(back)) != flvTagLen+data {
			break
		}
		pos = next + 4
		l.tags++
	}
	l.end = pos
	if l.tags == 0 {
		return l, errors.New("no flv tags")
	}
	return l, nil
}

func checkFLV(r io.ReaderAt, size int64) Result {
	l, err := walkFLV(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if l.end != size {
		return Rejected("tags end at %d of %d", l.end, size)
	}
	return Valid(ConfidenceMedium)
}

func sizeFLV(r io.ReaderAt, limit int64) (int64, error) {
	l, err := walkFLV(r, limit)
	return l.end, err
}

const (
	ebmlID          = 0x1A45DFA3
	ebmlDocType     = 0x4282
	matroskaSegment = 0x18538067
	maxEBMLHeader   = 4096
)

// ebmlVint decodes an EBML variable-length integer. With keepMarker set
// the length marker stays in the value, as element IDs are written.
// unknown reports an all-ones size.
func ebmlVint(b []byte, keepMarker bool) (v uint64, n int, unknown bool, err error) {
	if len(b) == 0 || b[0] == 0 {
		return 0, 0, false, errors.New("bad ebml vint")
	}
	n = bits.LeadingZeros8(b[0]) + 1
	if len(b) < n {
		return 0, 0, false, ErrTruncated
	}
	mask := byte(0xFF >> n)
	v = uint64(b[0] & mask)
	unknown = b[0]&mask == mask
	if keepMarker {
		v = uint64(b[0])
	}
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
		unknown = unknown && c == 0xFF
	}
	return v, n, unknown, nil
}

type mkvLayout struct {
	end     int64
	docType string
}

// walkMKV reads the EBML header and the segment size that follows it.
func walkMKV(r io.ReaderAt, limit int64) (mkvLayout, error) {
	var l mkvLayout
	head, err := readFull(r, 0, int(min(maxEBMLHeader, limit)))
	if err != nil {
		return l, err
	}
	id, n, _, err := ebmlVint(head, true)
	if err != nil || id != ebmlID {
		return l, errors.New("missing ebml header")
	}
	size, m, unknown, err := ebmlVint(head[n:], false)
	if err != nil || unknown {
		return l, errors.New("bad ebml header size")
	}
	body := n + m
	if uint64(body)+size > uint64(len(head)) {
		return l, fmt.Errorf("ebml header of %d bytes: %w", size, ErrTruncated)
	}
	l.docType = ebmlString(head[body:body+int(size)], ebmlDocType)
	pos := body + int(size)

	id, n, _, err = ebmlVint(head[pos:], true)
	if err != nil || id != matroskaSegment {
		return l, errors.New("no segment after ebml header")
	}
	size, m, unknown, err = ebmlVint(head[pos+n:], false)
	if err != nil {
		return l, err
	}
	if unknown {
		return l, errors.New("segment of unknown size")
	}
	l.end = int64(pos+n+m) + int64(size)
	if l.end > limit || l.end < 0 {
		return l, ErrTruncated
	}
	return l, nil
}

// ebmlString returns the string child with the given id.
func ebmlString(b []byte, want uint64) string {
	for len(b) > 0 {
		id, n, _, err := ebmlVint(b, true)
		if err != nil {
			return ""
		}
		size, m, _, err := ebmlVint(b[n:], false)
		if err != nil || uint64(len(b)-n-m) < size {
			return ""
		}
		v := b[n+m : n+m+int(size)]
		if id == want {
			return string(bytes.TrimRight(v, "\x00"))
		}
		b = b[n+m+int(size):]
	}
	return ""
}

func checkMKV(r io.ReaderAt, size int64) Result {
	l, err := walkMKV(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if l.end != size {
		return Rejected("segment ends at %d of %d", l.end, size)
	}
	switch l.docType {
	case "matroska", "webm":
		return Valid(ConfidenceHigh)
	}
	return Rejected("doc type %q", l.docType)
}

func sizeMKV(r io.ReaderAt, limit int64) (int64, error) {
	l, err := walkMKV(r, limit)
	return l.end, err
}

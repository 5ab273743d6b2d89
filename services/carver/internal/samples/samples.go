// Package samples builds small, structurally valid files of every built-in
// type for tests and benchmarks. Filler bytes are drawn from 0x10..0x2F so
// they never contain a signature of another type.
package samples

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/gzip"
)

// Filler returns n deterministic bytes that carry no signature.
func Filler(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x10 + byte((i*int(seed|1)+int(seed))%32)
	}
	return b
}

// JPEG returns a baseline JPEG whose entropy-coded segment is payload bytes
// of filler.
func JPEG(payload int, seed byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xD8})
	b.Write([]byte{0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00})
	b.Write([]byte{0xFF, 0xC0, 0x00, 0x0B, 0x08, 0x00, 0x01, 0x00, 0x01, 0x01, 0x01, 0x11, 0x00})
	b.Write([]byte{0xFF, 0xDA, 0x00, 0x08, 0x01, 0x01, 0x00, 0x00, 0x3F, 0x00})
	b.Write(Filler(payload, seed))
	b.Write([]byte{0xFF, 0xD9})
	return b.Bytes()
}

// ExifJPEG returns a JPEG whose APP1 segment carries an EXIF block with an
// embedded thumbnail JPEG, the way camera files are laid out.
func ExifJPEG(payload int, seed byte) []byte {
	thumb := JPEG(payload/16+64, seed+1)
	app1 := append([]byte("Exif\x00\x00MM\x00\x2A\x00\x00\x00\x08"), thumb...)
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xD8})
	b.Write([]byte{0xFF, 0xE1, byte((len(app1) + 2) >> 8), byte(len(app1) + 2)})
	b.Write(app1)
	b.Write(JPEG(payload, seed)[2:])
	return b.Bytes()
}

func pngChunk(b *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	b.Write(n[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	b.WriteString(typ)
	b.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	b.Write(n[:])
}

// PNG returns a PNG with one IDAT chunk of idat filler bytes.
func PNG(idat int, seed byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 1)
	binary.BigEndian.PutUint32(ihdr[4:8], 1)
	ihdr[8] = 8
	ihdr[9] = 2
	pngChunk(&b, "IHDR", ihdr)
	pngChunk(&b, "IDAT", Filler(idat, seed))
	pngChunk(&b, "IEND", nil)
	return b.Bytes()
}

// GIF returns a GIF89a with a single image block.
func GIF(data int, seed byte) []byte {
	var b bytes.Buffer
	b.WriteString("GIF89a")
	b.Write([]byte{0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00})
	b.Write([]byte{0x2C, 0, 0, 0, 0, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02})
	payload := Filler(data, seed)
	for len(payload) > 0 {
		n := min(len(payload), 255)
		b.WriteByte(byte(n))
		b.Write(payload[:n])
		payload = payload[n:]
	}
	b.Write([]byte{0x00, 0x3B})
	return b.Bytes()
}

// BMP returns a 24-bit BMP with a BITMAPINFOHEADER.
func BMP(pixels int, seed byte) []byte {
	total := 54 + pixels
	b := make([]byte, 54, total)
	b[0], b[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(b[2:], uint32(total))
	binary.LittleEndian.PutUint32(b[10:], 54)
	binary.LittleEndian.PutUint32(b[14:], 40)
	binary.LittleEndian.PutUint32(b[18:], 1)
	binary.LittleEndian.PutUint32(b[22:], 1)
	binary.LittleEndian.PutUint16(b[26:], 1)
	binary.LittleEndian.PutUint16(b[28:], 24)
	return append(b, Filler(pixels, seed)...)
}

// PDF returns a one-object PDF ending exactly at %%EOF.
func PDF(body int, seed byte) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n1 0 obj\n<< /Length ")
	b.WriteString("0 >>\nstream\n")
	b.Write(Filler(body, seed))
	b.WriteString("\nendstream\nendobj\nxref\n0 2\ntrailer\n<< /Size 2 >>\nstartxref\n9\n%%EOF")
	return b.Bytes()
}

// ZIP returns a stored single-entry archive without comment.
func ZIP(data int, seed byte) []byte {
	name := []byte("a.txt")
	content := Filler(data, seed)
	crc := crc32.ChecksumIEEE(content)
	var b bytes.Buffer
	le := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }

	b.WriteString("PK\x03\x04")
	le(uint16(20))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(crc)
	le(uint32(len(content)))
	le(uint32(len(content)))
	le(uint16(len(name)))
	le(uint16(0))
	b.Write(name)
	b.Write(content)

	cdOff := b.Len()
	b.WriteString("PK\x01\x02")
	le(uint16(20))
	le(uint16(20))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(crc)
	le(uint32(len(content)))
	le(uint32(len(content)))
	le(uint16(len(name)))
	le(uint16(0))
	le(uint16(0))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(uint32(0))
	b.Write(name)
	cdSize := b.Len() - cdOff

	b.WriteString("PK\x05\x06")
	le(uint16(0))
	le(uint16(0))
	le(uint16(1))
	le(uint16(1))
	le(uint32(cdSize))
	le(uint32(cdOff))
	le(uint16(0))
	return b.Bytes()
}

// SQLite returns a database image of the given page count at 512-byte pages.
func SQLite(pages int) []byte {
	b := make([]byte, 512*pages)
	copy(b, "SQLite format 3\x00")
	binary.BigEndian.PutUint16(b[16:], 512)
	b[18], b[19] = 1, 1
	b[21], b[22], b[23] = 64, 32, 32
	binary.BigEndian.PutUint32(b[28:], uint32(pages))
	for i := 100; i < len(b); i++ {
		b[i] = 0x10 + byte(i%32)
	}
	return b
}

func riff(form, first string, data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(4+8+len(data)))
	b.WriteString(form)
	b.WriteString(first)
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

// WAV returns a RIFF/WAVE file whose fmt chunk carries n filler bytes.
func WAV(n int, seed byte) []byte { return riff("WAVE", "fmt ", Filler(n, seed)) }

// AVI returns a RIFF/AVI file with a single LIST chunk.
func AVI(n int, seed byte) []byte { return riff("AVI ", "LIST", Filler(n, seed)) }

func mp4Box(b *bytes.Buffer, typ string, data []byte) {
	_ = binary.Write(b, binary.BigEndian, uint32(8+len(data)))
	b.WriteString(typ)
	b.Write(data)
}

// MP4 returns ftyp, moov and mdat boxes.
func MP4(mdat int, seed byte) []byte {
	var b bytes.Buffer
	mp4Box(&b, "ftyp", []byte("isom\x00\x00\x02\x00isom"))
	mp4Box(&b, "moov", Filler(16, seed))
	mp4Box(&b, "mdat", Filler(mdat, seed))
	return b.Bytes()
}

// TIFF returns a single-strip 8-bit grayscale TIFF in the given byte order.
func TIFF(strip int, seed byte, order binary.ByteOrder) []byte {
	const entries = 5
	dataOff := 8 + 2 + 12*entries + 4
	b := make([]byte, dataOff, dataOff+strip)
	if order == binary.BigEndian {
		copy(b, "MM")
	} else {
		copy(b, "II")
	}
	order.PutUint16(b[2:], 42)
	order.PutUint32(b[4:], 8)
	order.PutUint16(b[8:], entries)
	field := func(i int, tag, typ uint16, v uint32) {
		e := b[10+12*i:]
		order.PutUint16(e[0:], tag)
		order.PutUint16(e[2:], typ)
		order.PutUint32(e[4:], 1)
		if typ == 3 {
			order.PutUint16(e[8:], uint16(v))
		} else {
			order.PutUint32(e[8:], v)
		}
	}
	field(0, 256, 3, uint32(strip))
	field(1, 257, 3, 1)
	field(2, 258, 3, 8)
	field(3, 273, 4, uint32(dataOff))
	field(4, 279, 4, uint32(strip))
	return append(b, Filler(strip, seed)...)
}

// ICO returns an icon holding one 32-bit DIB image.
func ICO(pixels int, seed byte) []byte {
	var b bytes.Buffer
	le := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	le([3]uint16{0, 1, 1})
	b.Write([]byte{1, 1, 0, 0})
	le(uint16(1))
	le(uint16(32))
	le(uint32(40 + pixels))
	le(uint32(22))
	le(uint32(40))
	le(int32(1))
	le(int32(2))
	le(uint16(1))
	le(uint16(32))
	b.Write(make([]byte, 24))
	b.Write(Filler(pixels, seed))
	return b.Bytes()
}

// Gzip returns a single gzip member of n filler bytes.
func Gzip(n int, seed byte) []byte {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, _ = w.Write(Filler(n, seed))
	_ = w.Close()
	return b.Bytes()
}

// SevenZip returns a 7z archive whose packed stream is n filler bytes and
// whose next header is empty.
func SevenZip(n int, seed byte) []byte {
	next := []byte{0x01, 0x00}
	b := make([]byte, 32, 32+n+len(next))
	copy(b, "7z\xBC\xAF\x27\x1C\x00\x04")
	binary.LittleEndian.PutUint64(b[12:], uint64(n))
	binary.LittleEndian.PutUint64(b[20:], uint64(len(next)))
	binary.LittleEndian.PutUint32(b[28:], crc32.ChecksumIEEE(next))
	binary.LittleEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[12:32]))
	b = append(b, Filler(n, seed)...)
	return append(b, next...)
}

// RAR returns a RAR 4 archive storing one file of n filler bytes.
func RAR(n int, seed byte) []byte {
	var b bytes.Buffer
	le := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	b.WriteString("Rar!\x1A\x07\x00")

	main := []byte{0, 0, 0x73, 0x00, 0x00, 13, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(main, uint16(crc32.ChecksumIEEE(main[2:])))
	b.Write(main)

	data := Filler(n, seed)
	name := []byte("a.txt")
	var h bytes.Buffer
	hl := func(v any) { _ = binary.Write(&h, binary.LittleEndian, v) }
	h.WriteByte(0x74)
	hl(uint16(0x8000))
	hl(uint16(32 + len(name)))
	hl(uint32(len(data)))
	hl(uint32(len(data)))
	h.WriteByte(0)
	hl(crc32.ChecksumIEEE(data))
	hl(uint32(0))
	h.WriteByte(20)
	h.WriteByte(0x30)
	hl(uint16(len(name)))
	hl(uint32(0x20))
	h.Write(name)
	le(uint16(crc32.ChecksumIEEE(h.Bytes())))
	b.Write(h.Bytes())
	b.Write(data)

	b.Write([]byte{0xC4, 0x3D, 0x7B, 0x00, 0x40, 0x07, 0x00})
	return b.Bytes()
}

func rarVint(v uint64) []byte {
	var out []byte
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

func rar5Block(b *bytes.Buffer, body []byte) {
	h := append(rarVint(uint64(len(body))), body...)
	_ = binary.Write(b, binary.LittleEndian, crc32.ChecksumIEEE(h))
	b.Write(h)
}

// RAR5 returns a RAR 5 archive storing one file of n filler bytes.
func RAR5(n int, seed byte) []byte {
	var b bytes.Buffer
	b.WriteString("Rar!\x1A\x07\x01\x00")
	rar5Block(&b, []byte{1, 0, 0})

	data := Filler(n, seed)
	body := []byte{2, 0x02}
	body = append(body, rarVint(uint64(len(data)))...)
	body = append(body, 0)
	body = append(body, rarVint(uint64(len(data)))...)
	body = append(body, 0, 0, 0, 5)
	body = append(body, "a.txt"...)
	rar5Block(&b, body)
	b.Write(data)

	b.Write([]byte{0x1D, 0x77, 0x56, 0x51, 0x03, 0x05, 0x04, 0x00})
	return b.Bytes()
}

// MP3FrameLen is the length of every frame MP3 writes: MPEG 1 Layer III,
// 128 kbit/s, 44.1 kHz, no padding.
const MP3FrameLen = 417

// MP3 returns an ID3v2 tag, frames audio frames and an ID3v1 tag.
func MP3(frames int, seed byte) []byte {
	var b bytes.Buffer
	tag := []byte("TIT2\x00\x00\x00\x09\x00\x00\x00")
	tag = append(tag, Filler(8, seed)...)
	tag = append(tag, make([]byte, 32-len(tag))...)
	b.Write([]byte{'I', 'D', '3', 3, 0, 0, 0, 0, 0, byte(len(tag))})
	b.Write(tag)
	for i := 0; i < frames; i++ {
		b.Write([]byte{0xFF, 0xFB, 0x90, 0x00})
		b.Write(Filler(MP3FrameLen-4, seed+byte(i)))
	}
	b.WriteString("TAG")
	b.Write(Filler(125, seed))
	return b.Bytes()
}

// FLV returns an FLV file of tags alternating audio and video, each
// carrying data filler bytes.
func FLV(tags, data int, seed byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{'F', 'L', 'V', 1, 0x05, 0, 0, 0, 9, 0, 0, 0, 0})
	for i := 0; i < tags; i++ {
		typ := byte(8)
		if i%2 == 1 {
			typ = 9
		}
		b.Write([]byte{typ, byte(data >> 16), byte(data >> 8), byte(data), 0, 0, byte(i), 0, 0, 0, 0})
		b.Write(Filler(data, seed))
		_ = binary.Write(&b, binary.BigEndian, uint32(11+data))
	}
	return b.Bytes()
}

// MKV returns a Matroska file whose segment holds one Void element of n
// filler bytes.
func MKV(n int, seed byte) []byte {
	var b bytes.Buffer
	hdr := []byte{0x42, 0x86, 0x81, 0x01, 0x42, 0x82, 0x88}
	hdr = append(hdr, "matroska"...)
	b.Write([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x80 | byte(len(hdr))})
	b.Write(hdr)
	seg := 3 + n
	b.Write([]byte{0x18, 0x53, 0x80, 0x67, 0x01, 0, 0, 0, 0, byte(seg >> 16), byte(seg >> 8), byte(seg)})
	b.Write([]byte{0xEC, 0x40 | byte(n>>8), byte(n)})
	b.Write(Filler(n, seed))
	return b.Bytes()
}

func utf16Name(dst []byte, name string) {
	for i, c := range name {
		dst[2*i] = byte(c)
	}
}

// OLE2 returns a version 3 compound file with one stream spanning the
// given number of 512-byte sectors of filler.
func OLE2(sectors int, seed byte) []byte {
	const (
		ss         = 512
		free       = 0xFFFFFFFF
		endOfChain = 0xFFFFFFFE
		fatSect    = 0xFFFFFFFD
	)
	b := make([]byte, ss*(3+sectors))
	le32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
	le16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }

	copy(b, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1})
	le16(24, 0x3E)
	le16(26, 3)
	le16(28, 0xFFFE)
	le16(30, 9)
	le16(32, 6)
	le32(44, 1)
	le32(48, 1)
	le32(56, 4096)
	le32(60, endOfChain)
	le32(68, endOfChain)
	for i := 0; i < 109; i++ {
		le32(76+4*i, free)
	}
	le32(76, 0)

	fat := ss
	for i := 0; i < ss/4; i++ {
		le32(fat+4*i, free)
	}
	le32(fat, fatSect)
	le32(fat+4, endOfChain)
	for i := 0; i < sectors; i++ {
		next := uint32(3 + i)
		if i == sectors-1 {
			next = endOfChain
		}
		le32(fat+4*(2+i), next)
	}

	dir := 2 * ss
	for e := 0; e < 4; e++ {
		for _, f := range []int{68, 72, 76} {
			le32(dir+128*e+f, free)
		}
	}
	utf16Name(b[dir:], "Root Entry")
	le16(dir+64, 22)
	b[dir+66], b[dir+67] = 5, 1
	le32(dir+76, 1)
	le32(dir+116, endOfChain)

	utf16Name(b[dir+128:], "Data")
	le16(dir+128+64, 10)
	b[dir+128+66], b[dir+128+67] = 2, 1
	le32(dir+128+116, 2)
	le32(dir+128+120, uint32(ss*sectors))

	copy(b[3*ss:], Filler(ss*sectors, seed))
	return b
}

// RTF returns a document whose body is n filler bytes between escaped and
// nested groups.
func RTF(n int, seed byte) []byte {
	var b bytes.Buffer
	b.WriteString("{\\rtf1\\ansi{\\fonttbl{\\f0 Swiss;}}\\f0\\pard ")
	b.Write(Filler(n, seed))
	b.WriteString(" \\{literal\\}\\par}")
	return b.Bytes()
}

// ELF returns a 64-bit little-endian executable with one loadable segment
// and a .text section of text filler bytes.
func ELF(text int, seed byte) []byte {
	const ehsize, phsize, shsize = 64, 56, 64
	textOff := ehsize + phsize
	shoff := textOff + text
	b := make([]byte, shoff+2*shsize)
	le16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
	le32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
	le64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

	copy(b, "\x7FELF\x02\x01\x01")
	le16(16, 2)
	le16(18, 0x3E)
	le32(20, 1)
	le64(32, ehsize)
	le64(40, uint64(shoff))
	le16(52, ehsize)
	le16(54, phsize)
	le16(56, 1)
	le16(58, shsize)
	le16(60, 2)

	le32(ehsize, 1)
	le32(ehsize+4, 5)
	le64(ehsize+8, uint64(textOff))
	le64(ehsize+32, uint64(text))
	le64(ehsize+40, uint64(text))

	copy(b[textOff:], Filler(text, seed))

	sh := shoff + shsize
	le32(sh+4, 1)
	le64(sh+8, 6)
	le64(sh+24, uint64(textOff))
	le64(sh+32, uint64(text))
	le64(sh+48, 16)
	return b
}

// PE returns a PE32+ image with one .text section spanning the given
// number of 512-byte sectors of filler.
func PE(sectors int, seed byte) []byte {
	const hdrs, opt = 512, 240
	raw := 512 * sectors
	b := make([]byte, hdrs, hdrs+raw)
	le16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
	le32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

	b[0], b[1] = 'M', 'Z'
	le32(0x3C, 64)
	copy(b[64:], "PE\x00\x00")
	le16(68, 0x8664)
	le16(70, 1)
	le16(84, opt)
	le16(86, 0x22)

	o := 88
	le16(o, 0x20B)
	le32(o+60, hdrs)
	le32(o+108, 16)

	sec := o + opt
	copy(b[sec:], ".text")
	le32(sec+8, uint32(raw))
	le32(sec+12, 0x1000)
	le32(sec+16, uint32(raw))
	le32(sec+20, hdrs)
	le32(sec+36, 0x60000020)
	return append(b, Filler(raw, seed)...)
}

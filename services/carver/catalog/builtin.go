package catalog

import "github.com/swarmguard/carver/services/carver/validate"

const (
	kib = int64(1) << 10
	mib = kib << 10
	gib = mib << 10
)

// Builtin returns the default descriptor set.
func Builtin() []Descriptor {
	riff := []byte("RIFF")
	return []Descriptor{
		{TypeName: "jpeg", Header: []byte{0xFF, 0xD8, 0xFF}, Trailer: []byte{0xFF, 0xD9}, MinSize: 64, MaxSize: 20 * mib, Validator: validate.KindJPEG, Extension: "jpg"},
		{TypeName: "png", Header: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, Trailer: []byte{'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82}, MinSize: 45, MaxSize: 50 * mib, Validator: validate.KindPNG, Extension: "png"},
		{TypeName: "gif", Header: []byte("GIF8"), Trailer: []byte{0x00, 0x3B}, MinSize: 26, MaxSize: 20 * mib, Validator: validate.KindGIF, Extension: "gif"},
		{TypeName: "bmp", Header: []byte("BM"), MinSize: 26, MaxSize: 50 * mib, Validator: validate.KindBMP, Extension: "bmp"},
		{TypeName: "pdf", Header: []byte("%PDF-"), Trailer: []byte("%%EOF"), MinSize: 64, MaxSize: 100 * mib, Validator: validate.KindPDF, Extension: "pdf"},
		{TypeName: "zip", Header: []byte("PK\x03\x04"), Trailer: []byte("PK\x05\x06"), TrailerSlack: 18, MinSize: 64, MaxSize: 200 * mib, Validator: validate.KindZIP, Extension: "zip"},
		{TypeName: "sqlite", Header: []byte("SQLite format 3\x00"), MinSize: 512, MaxSize: gib, Validator: validate.KindSQLite, Extension: "sqlite"},
		{TypeName: "wav", Header: riff, MinSize: 44, MaxSize: gib, Validator: validate.KindRIFFWave, Extension: "wav"},
		{TypeName: "avi", Header: riff, MinSize: 44, MaxSize: gib, Validator: validate.KindRIFFAvi, Extension: "avi"},
		{TypeName: "mp4", Header: []byte("ftyp"), HeaderOffset: 4, MinSize: 32, MaxSize: 2 * gib, Validator: validate.KindMP4, Extension: "mp4"},
		{TypeName: "tiff", Header: []byte("II*\x00"), MinSize: 32, MaxSize: 200 * mib, Validator: validate.KindTIFF, Extension: "tif"},
		{TypeName: "tiff-be", Header: []byte("MM\x00*"), MinSize: 32, MaxSize: 200 * mib, Validator: validate.KindTIFF, Extension: "tif"},
		{TypeName: "ico", Header: []byte{0x00, 0x00, 0x01, 0x00}, MinSize: 62, MaxSize: 4 * mib, Validator: validate.KindICO, Extension: "ico"},
		{TypeName: "gz", Header: []byte{0x1F, 0x8B, 0x08}, MinSize: 20, MaxSize: 200 * mib, Validator: validate.KindGzip, Extension: "gz"},
		{TypeName: "7z", Header: []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, MinSize: 32, MaxSize: gib, Validator: validate.KindSevenZip, Extension: "7z"},
		{TypeName: "rar", Header: []byte("Rar!\x1A\x07\x00"), Trailer: []byte{0xC4, 0x3D, 0x7B, 0x00, 0x40, 0x07, 0x00}, MinSize: 27, MaxSize: gib, Validator: validate.KindRAR, Extension: "rar"},
		{TypeName: "rar5", Header: []byte("Rar!\x1A\x07\x01\x00"), Trailer: []byte{0x1D, 0x77, 0x56, 0x51, 0x03, 0x05, 0x04, 0x00}, MinSize: 24, MaxSize: gib, Validator: validate.KindRAR, Extension: "rar"},
		{TypeName: "mp3", Header: []byte("ID3"), MinSize: 64, MaxSize: 50 * mib, Validator: validate.KindMP3, Extension: "mp3"},
		{TypeName: "flv", Header: []byte("FLV\x01"), MinSize: 28, MaxSize: 2 * gib, Validator: validate.KindFLV, Extension: "flv"},
		{TypeName: "mkv", Header: []byte{0x1A, 0x45, 0xDF, 0xA3}, MinSize: 32, MaxSize: 4 * gib, Validator: validate.KindMKV, Extension: "mkv"},
		{TypeName: "ole2", Header: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, MinSize: 1536, MaxSize: 200 * mib, Validator: validate.KindOLE, Extension: "doc"},
		{TypeName: "rtf", Header: []byte("{\\rtf"), MinSize: 8, MaxSize: 50 * mib, Validator: validate.KindRTF, Extension: "rtf"},
		{TypeName: "elf", Header: []byte("\x7FELF"), MinSize: 52, MaxSize: 512 * mib, Validator: validate.KindELF, Extension: "elf"},
		{TypeName: "exe", Header: []byte("MZ"), MinSize: 64, MaxSize: 512 * mib, Validator: validate.KindPE, Extension: "exe"},
	}
}

// Default compiles the built-in set.
func Default() *Catalog {
	c, err := New(Builtin())
	if err != nil {
		panic(err)
	}
	return c
}

package validate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/swarmguard/carver/services/carver/internal/samples"
)

func run(k Kind, b []byte) Result {
	return k.Validate(bytes.NewReader(b), int64(len(b)))
}

func TestValidSamples(t *testing.T) {
	cases := []struct {
		kind Kind
		data []byte
		want Confidence
	}{
		{KindJPEG, samples.JPEG(64, 1), ConfidenceHigh},
		{KindPNG, samples.PNG(40, 2), ConfidenceHigh},
		{KindGIF, samples.GIF(30, 3), ConfidenceMedium},
		{KindBMP, samples.BMP(48, 4), ConfidenceMedium},
		{KindPDF, samples.PDF(80, 5), ConfidenceHigh},
		{KindZIP, samples.ZIP(50, 6), ConfidenceHigh},
		{KindSQLite, samples.SQLite(2), ConfidenceHigh},
		{KindRIFFWave, samples.WAV(40, 7), ConfidenceMedium},
		{KindRIFFAvi, samples.AVI(40, 8), ConfidenceMedium},
		{KindMP4, samples.MP4(64, 9), ConfidenceHigh},
		{KindTIFF, samples.TIFF(100, 1, binary.LittleEndian), ConfidenceMedium},
		{KindTIFF, samples.TIFF(100, 2, binary.BigEndian), ConfidenceMedium},
		{KindICO, samples.ICO(64, 3), ConfidenceMedium},
		{KindGzip, samples.Gzip(300, 4), ConfidenceHigh},
		{KindSevenZip, samples.SevenZip(80, 5), ConfidenceHigh},
		{KindRAR, samples.RAR(60, 6), ConfidenceHigh},
		{KindRAR, samples.RAR5(60, 7), ConfidenceHigh},
		{KindMP3, samples.MP3(3, 8), ConfidenceMedium},
		{KindFLV, samples.FLV(3, 20, 9), ConfidenceMedium},
		{KindMKV, samples.MKV(200, 10), ConfidenceHigh},
		{KindOLE, samples.OLE2(2, 11), ConfidenceHigh},
		{KindRTF, samples.RTF(50, 12), ConfidenceMedium},
		{KindELF, samples.ELF(100, 13), ConfidenceMedium},
		{KindPE, samples.PE(1, 14), ConfidenceMedium},
		{KindNone, []byte("anything"), ConfidenceLow},
	}
	for _, c := range cases {
		res := run(c.kind, c.data)
		if !res.Valid {
			t.Errorf("%s: rejected: %s", c.kind, res.Reason)
			continue
		}
		if res.Confidence != c.want {
			t.Errorf("%s: confidence %s want %s", c.kind, res.Confidence, c.want)
		}
	}
}

func TestJPEGWithoutStructureRejected(t *testing.T) {
	// header and trailer present, nothing in between that parses
	b := append([]byte{0xFF, 0xD8, 0xFF}, bytes.Repeat([]byte{0x00}, 200)...)
	b = append(b, 0xFF, 0xD9)
	res := run(KindJPEG, b)
	if res.Valid {
		t.Fatal("expected rejection")
	}
	if res.Reason == "" {
		t.Fatal("rejection without reason")
	}
}

func TestPNGCRCMismatch(t *testing.T) {
	b := samples.PNG(40, 2)
	b[45] ^= 0xFF // inside IDAT data
	if res := run(KindPNG, b); res.Valid {
		t.Fatal("corrupted chunk accepted")
	}
}

func TestZIPEOCDInconsistent(t *testing.T) {
	b := samples.ZIP(50, 6)
	eocd := len(b) - 22
	binary.LittleEndian.PutUint32(b[eocd+16:], 3)
	if res := run(KindZIP, b); res.Valid {
		t.Fatal("inconsistent central directory accepted")
	}
}

func TestRIFFFormMismatch(t *testing.T) {
	if res := run(KindRIFFAvi, samples.WAV(40, 1)); res.Valid {
		t.Fatal("wave accepted as avi")
	}
	if res := run(KindRIFFWave, samples.AVI(40, 1)); res.Valid {
		t.Fatal("avi accepted as wave")
	}
}

func TestSQLiteBadPageSize(t *testing.T) {
	b := samples.SQLite(2)
	binary.BigEndian.PutUint16(b[16:], 1000)
	if res := run(KindSQLite, b); res.Valid {
		t.Fatal("page size 1000 accepted")
	}
}

func TestDeclaredSizes(t *testing.T) {
	cases := []struct {
		kind Kind
		data []byte
	}{
		{KindBMP, samples.BMP(100, 1)},
		{KindSQLite, samples.SQLite(3)},
		{KindRIFFWave, samples.WAV(64, 1)},
		{KindRIFFAvi, samples.AVI(64, 1)},
		{KindMP4, samples.MP4(64, 1)},
		{KindTIFF, samples.TIFF(100, 1, binary.BigEndian)},
		{KindICO, samples.ICO(64, 1)},
		{KindGzip, samples.Gzip(1000, 1)},
		{KindSevenZip, samples.SevenZip(80, 1)},
		{KindMP3, samples.MP3(4, 1)},
		{KindFLV, samples.FLV(4, 32, 1)},
		{KindMKV, samples.MKV(100, 1)},
		{KindOLE, samples.OLE2(3, 1)},
		{KindRTF, samples.RTF(80, 1)},
		{KindELF, samples.ELF(64, 1)},
		{KindPE, samples.PE(2, 1)},
	}
	for _, c := range cases {
		if !c.kind.DeclaresSize() {
			t.Fatalf("%s should declare size", c.kind)
		}
		// trailing zeros stand in for whatever follows on the medium
		padded := append(append([]byte{}, c.data...), make([]byte, 64)...)
		n, err := c.kind.DeclaredSize(bytes.NewReader(padded), int64(len(padded)))
		if err != nil {
			t.Fatalf("%s: %v", c.kind, err)
		}
		if n != int64(len(c.data)) {
			t.Errorf("%s: declared %d want %d", c.kind, n, len(c.data))
		}
	}
	if KindJPEG.DeclaresSize() {
		t.Fatal("jpeg does not declare size")
	}
	if _, err := KindJPEG.DeclaredSize(bytes.NewReader(nil), 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeclaredSizeTruncated(t *testing.T) {
	_, err := KindRIFFWave.DeclaredSize(bytes.NewReader([]byte("RIF")), 3)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("RIFF-Wave"); err != nil || k != KindRIFFWave {
		t.Fatalf("got %v %v", k, err)
	}
	if k, err := ParseKind(""); err != nil || k != KindNone {
		t.Fatalf("got %v %v", k, err)
	}
	if _, err := ParseKind("exe"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v", err)
	}
}

func TestConfidenceText(t *testing.T) {
	var c Confidence
	if err := c.UnmarshalText([]byte("medium")); err != nil || c != ConfidenceMedium {
		t.Fatalf("got %v %v", c, err)
	}
	b, _ := ConfidenceHigh.MarshalText()
	if string(b) != "high" {
		t.Fatalf("got %s", b)
	}
}

func TestJPEGMetadataEndSpansThumbnail(t *testing.T) {
	b := samples.ExifJPEG(512, 3)
	if res := run(KindJPEG, b); !res.Valid {
		t.Fatalf("exif jpeg rejected: %s", res.Reason)
	}
	app1End := 4 + int64(binary.BigEndian.Uint16(b[4:6]))
	n, err := KindJPEG.MetadataEnd(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	if n <= app1End || n >= int64(len(b)) {
		t.Fatalf("metadata end %d, app1 ends at %d, size %d", n, app1End, len(b))
	}

	// a limit inside the APP1 segment, where the thumbnail's EOI sits
	thumbEOI := int64(bytes.Index(b, []byte{0xFF, 0xD9}))
	if _, err := KindJPEG.MetadataEnd(bytes.NewReader(b), thumbEOI); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated, got %v", err)
	}
	if n, err := KindPNG.MetadataEnd(bytes.NewReader(b), int64(len(b))); n != 0 || err != nil {
		t.Fatalf("png metadata %d %v", n, err)
	}
}

func TestMetadataEnds(t *testing.T) {
	mp3 := samples.MP3(2, 1)
	n, err := KindMP3.MetadataEnd(bytes.NewReader(mp3), int64(len(mp3)))
	if err != nil || n != 42 {
		t.Fatalf("id3 tag end %d %v", n, err)
	}
	bmp := samples.BMP(64, 1)
	if _, err := KindBMP.MetadataEnd(bytes.NewReader(bmp), 24); !errors.Is(err, ErrTruncated) {
		t.Fatalf("bmp header cut at 24: %v", err)
	}
	if n, err := KindBMP.MetadataEnd(bytes.NewReader(bmp), int64(len(bmp))); err != nil || n != 54 {
		t.Fatalf("bmp header end %d %v", n, err)
	}
	ico := samples.ICO(64, 1)
	if n, err := KindICO.MetadataEnd(bytes.NewReader(ico), int64(len(ico))); err != nil || n != int64(len(ico)) {
		t.Fatalf("icon end %d %v", n, err)
	}
}

func TestGzipCorruptionRejected(t *testing.T) {
	b := samples.Gzip(300, 1)
	b[len(b)-8] ^= 0xFF // CRC32 of the member
	if res := run(KindGzip, b); res.Valid {
		t.Fatal("crc mismatch accepted")
	}
	cut := samples.Gzip(300, 1)
	cut = cut[:len(cut)-4]
	if _, err := KindGzip.DeclaredSize(bytes.NewReader(cut), int64(len(cut))); err == nil {
		t.Fatal("truncated member sized")
	}
}

func TestSevenZipStartHeaderCRC(t *testing.T) {
	b := samples.SevenZip(80, 1)
	b[14] ^= 0x01
	if res := run(KindSevenZip, b); res.Valid || !strings.Contains(res.Reason, "crc") {
		t.Fatalf("got %+v", res)
	}
}

func TestRARBlockChain(t *testing.T) {
	for _, b := range [][]byte{samples.RAR(60, 1), samples.RAR5(60, 1)} {
		// ending on a trailer that sits inside the stored data
		fake := append(append([]byte{}, b[:len(b)-10]...), b[len(b)-8:]...)
		if res := run(KindRAR, fake); res.Valid {
			t.Fatalf("short archive accepted: %x", fake[:8])
		}
	}
	b := samples.RAR(60, 1)
	b[10] ^= 0x01 // main header flags
	if res := run(KindRAR, b); res.Valid || !strings.Contains(res.Reason, "crc") {
		t.Fatalf("got %+v", res)
	}
}

func TestMP3FramesMustFillCandidate(t *testing.T) {
	b := samples.MP3(3, 1)
	b = append(b[:len(b)-128], 0x00, 0x00)
	if res := run(KindMP3, b); res.Valid {
		t.Fatal("stray bytes after last frame accepted")
	}
	noFrames := append(append([]byte{}, b[:42]...), make([]byte, 100)...)
	if _, err := KindMP3.DeclaredSize(bytes.NewReader(noFrames), int64(len(noFrames))); err == nil {
		t.Fatal("tag without frames sized")
	}
}

func TestMKVUnknownSegmentSize(t *testing.T) {
	b := samples.MKV(100, 1)
	seg := bytes.Index(b, []byte{0x18, 0x53, 0x80, 0x67}) + 4
	copy(b[seg:], []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := KindMKV.DeclaredSize(bytes.NewReader(b), int64(len(b))); err == nil || !strings.Contains(err.Error(), "unknown size") {
		t.Fatalf("got %v", err)
	}
}

func TestRTFUnbalanced(t *testing.T) {
	b := samples.RTF(50, 1)
	if _, err := KindRTF.DeclaredSize(bytes.NewReader(b[:len(b)-1]), int64(len(b)-1)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v", err)
	}
	withNul := append([]byte{}, b...)
	withNul[20] = 0
	if res := run(KindRTF, withNul); res.Valid {
		t.Fatal("nul byte accepted")
	}
}

func TestOLERootEntryRequired(t *testing.T) {
	b := samples.OLE2(2, 1)
	b[2*512+66] = 1
	if res := run(KindOLE, b); res.Valid {
		t.Fatal("storage without root accepted")
	}
}

func TestExecutableSizesCoverTables(t *testing.T) {
	elf := samples.ELF(64, 1)
	if res := run(KindELF, elf[:len(elf)-64]); res.Valid {
		t.Fatal("elf without its section table accepted")
	}
	pe := samples.PE(1, 1)
	if res := run(KindPE, pe[:len(pe)-1]); res.Valid {
		t.Fatal("pe missing section bytes accepted")
	}
}

func TestICODirectoryChecked(t *testing.T) {
	b := samples.ICO(64, 1)
	b[22] = 0x10 // first image is neither PNG nor a DIB header
	if res := run(KindICO, b); res.Valid {
		t.Fatal("icon without image header accepted")
	}
}

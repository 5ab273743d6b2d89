// Package validate holds the per-type structural checks run on completed
// carving candidates. Checks are plain functions keyed by Kind.
package validate

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the closed set of structural validators. KindNone performs no
// structural check and yields low confidence.
type Kind uint8

const (
	KindNone Kind = iota
	KindJPEG
	KindPNG
	KindGIF
	KindPDF
	KindZIP
	KindBMP
	KindSQLite
	KindRIFFWave
	KindRIFFAvi
	KindMP4
	KindTIFF
	KindICO
	KindGzip
	KindSevenZip
	KindRAR
	KindMP3
	KindFLV
	KindMKV
	KindOLE
	KindRTF
	KindELF
	KindPE
)

var kindNames = map[Kind]string{
	KindNone:     "none",
	KindJPEG:     "jpeg",
	KindPNG:      "png",
	KindGIF:      "gif",
	KindPDF:      "pdf",
	KindZIP:      "zip",
	KindBMP:      "bmp",
	KindSQLite:   "sqlite",
	KindRIFFWave: "riff-wave",
	KindRIFFAvi:  "riff-avi",
	KindMP4:      "mp4",
	KindTIFF:     "tiff",
	KindICO:      "ico",
	KindGzip:     "gzip",
	KindSevenZip: "7z",
	KindRAR:      "rar",
	KindMP3:      "mp3",
	KindFLV:      "flv",
	KindMKV:      "matroska",
	KindOLE:      "ole2",
	KindRTF:      "rtf",
	KindELF:      "elf",
	KindPE:       "pe",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ErrUnknownKind is returned by ParseKind for names outside the closed set.
var ErrUnknownKind = errors.New("unknown validator")

// ParseKind maps a validator id to its Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindNone, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Confidence is a coarse ordinal used only for reporting.
type Confidence uint8

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceLow:
		return "low"
	default:
		return "unknown"
	}
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Confidence) UnmarshalText(b []byte) error {
	switch string(b) {
	case "high":
		*c = ConfidenceHigh
	case "medium":
		*c = ConfidenceMedium
	case "low":
		*c = ConfidenceLow
	default:
		return fmt.Errorf("unknown confidence %q", b)
	}
	return nil
}

// Result is Valid(confidence) or Rejected(reason).
type Result struct {
	Valid      bool
	Confidence Confidence
	Reason     string
}

func Valid(c Confidence) Result { return Result{Valid: true, Confidence: c} }

func Rejected(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

type checkFunc func(r io.ReaderAt, size int64) Result

type sizeFunc func(r io.ReaderAt, limit int64) (int64, error)

var checks = map[Kind]checkFunc{
	KindNone:     func(io.ReaderAt, int64) Result { return Valid(ConfidenceLow) },
	KindJPEG:     checkJPEG,
	KindPNG:      checkPNG,
	KindGIF:      checkGIF,
	KindPDF:      checkPDF,
	KindZIP:      checkZIP,
	KindBMP:      checkBMP,
	KindSQLite:   checkSQLite,
	KindRIFFWave: riffCheck("WAVE"),
	KindRIFFAvi:  riffCheck("AVI "),
	KindMP4:      checkMP4,
	KindTIFF:     checkTIFF,
	KindICO:      checkICO,
	KindGzip:     checkGzip,
	KindSevenZip: checkSevenZip,
	KindRAR:      checkRAR,
	KindMP3:      checkMP3,
	KindFLV:      checkFLV,
	KindMKV:      checkMKV,
	KindOLE:      checkOLE,
	KindRTF:      checkRTF,
	KindELF:      checkELF,
	KindPE:       checkPE,
}

var sizers = map[Kind]sizeFunc{
	KindBMP:      sizeBMP,
	KindSQLite:   sizeSQLite,
	KindRIFFWave: sizeRIFF,
	KindRIFFAvi:  sizeRIFF,
	KindMP4:      sizeMP4,
	KindTIFF:     sizeTIFF,
	KindICO:      sizeICO,
	KindGzip:     gzipMember,
	KindSevenZip: sizeSevenZip,
	KindMP3:      sizeMP3,
	KindFLV:      sizeFLV,
	KindMKV:      sizeMKV,
	KindOLE:      sizeOLE,
	KindRTF:      rtfEnd,
	KindELF:      sizeELF,
	KindPE:       walkPE,
}

// Validate runs the structural check for k over the candidate bytes [0, size) of r.
func (k Kind) Validate(r io.ReaderAt, size int64) Result {
	fn, ok := checks[k]
	if !ok {
		return Rejected("no validator for %s", k)
	}
	return fn(r, size)
}

// Known reports whether k is in the closed set.
func (k Kind) Known() bool {
	_, ok := checks[k]
	return ok
}

// DeclaresSize reports whether files of this kind record their own length,
// which lets trailer-less descriptors complete at a known offset.
func (k Kind) DeclaresSize() bool {
	_, ok := sizers[k]
	return ok
}

// DeclaredSize reads the file's self-declared length from the bytes at r.
// limit bounds how far the sizer may read.
func (k Kind) DeclaredSize(r io.ReaderAt, limit int64) (int64, error) {
	fn, ok := sizers[k]
	if !ok {
		return 0, fmt.Errorf("%s does not declare its size", k)
	}
	return fn(r, limit)
}

type metaFunc func(r io.ReaderAt, limit int64) (int64, error)

var metas = map[Kind]metaFunc{
	KindJPEG: jpegScanStart,
	KindMP3:  id3TagEnd,
	KindBMP:  bmpHeaderEnd,
	KindICO:  sizeICO,
	KindTIFF: sizeTIFF,
}

// MetadataEnd returns the length of the leading metadata of a file of kind
// k, such as the JPEG marker segments that may carry an EXIF thumbnail or
// the ID3 tag that may carry cover art. Icons and TIFFs address their
// images from a directory, so for them the whole file counts. It
// returns 0 for kinds without such a region and an error wrapping
// ErrTruncated when the metadata runs past limit.
func (k Kind) MetadataEnd(r io.ReaderAt, limit int64) (int64, error) {
	fn, ok := metas[k]
	if !ok {
		return 0, nil
	}
	return fn(r, limit)
}

// ErrTruncated marks a structure that runs past the candidate bytes.
var ErrTruncated = errors.New("structure truncated")

func readFull(r io.ReaderAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	m, err := r.ReadAt(buf, off)
	if m == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrTruncated
	}
	return nil, err
}

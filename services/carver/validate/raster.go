package validate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	maxTIFFIFDs    = 64
	maxTIFFEntries = 4096
	maxTIFFStrips  = 1 << 16

	tiffImageWidth     = 256
	tiffImageLength    = 257
	tiffStripOffsets   = 273
	tiffStripByteCount = 279
	tiffTileOffsets    = 324
	tiffTileByteCount  = 325
)

// tiffTypeSize is the byte width of each TIFF field type; unknown types
// are zero and skipped.
var tiffTypeSize = [...]int64{1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 13: 4, 16: 8, 17: 8, 18: 8}

type tiffLayout struct {
	end    int64
	images int
}

func tiffOrder(hdr []byte) (binary.ByteOrder, error) {
	switch {
	case hdr[0] == 'I' && hdr[1] == 'I':
		if binary.LittleEndian.Uint16(hdr[2:4]) == 42 {
			return binary.LittleEndian, nil
		}
	case hdr[0] == 'M' && hdr[1] == 'M':
		if binary.BigEndian.Uint16(hdr[2:4]) == 42 {
			return binary.BigEndian, nil
		}
	}
	return nil, fmt.Errorf("bad tiff byte order or magic")
}

// walkTIFF follows the IFD chain and returns the furthest byte referenced
// by any directory, out-of-line value, strip or tile.
func walkTIFF(r io.ReaderAt, limit int64) (tiffLayout, error) {
	var l tiffLayout
	hdr, err := readFull(r, 0, 8)
	if err != nil {
		return l, err
	}
	order, err := tiffOrder(hdr)
	if err != nil {
		return l, err
	}
	l.end = 8
	seen := make(map[int64]bool)
	for ifd := int64(order.Uint32(hdr[4:8])); ifd != 0; {
		if len(seen) == maxTIFFIFDs || seen[ifd] || ifd < 8 {
			return l, fmt.Errorf("ifd chain loops or points at %d", ifd)
		}
		seen[ifd] = true
		if ifd+2 > limit {
			return l, ErrTruncated
		}
		cnt, err := readFull(r, ifd, 2)
		if err != nil {
			return l, err
		}
		n := int64(order.Uint16(cnt))
		if n == 0 || n > maxTIFFEntries {
			return l, fmt.Errorf("ifd at %d has %d entries", ifd, n)
		}
		if ifd+2+12*n+4 > limit {
			return l, ErrTruncated
		}
		table, err := readFull(r, ifd+2, int(12*n+4))
		if err != nil {
			return l, err
		}
		l.end = max(l.end, ifd+2+12*n+4)

		var offs, counts []int64
		var width, length bool
		for i := int64(0); i < n; i++ {
			e := table[12*i : 12*i+12]
			tag, typ, count := order.Uint16(e[0:2]), order.Uint16(e[2:4]), int64(order.Uint32(e[4:8]))
			if int(typ) >= len(tiffTypeSize) || tiffTypeSize[typ] == 0 {
				continue
			}
			width = width || tag == tiffImageWidth
			length = length || tag == tiffImageLength
			span := tiffTypeSize[typ] * count
			if span > 4 {
				off := int64(order.Uint32(e[8:12]))
				if off+span > limit {
					return l, ErrTruncated
				}
				l.end = max(l.end, off+span)
			}
			switch tag {
			case tiffStripOffsets, tiffTileOffsets:
				if offs, err = tiffValues(r, order, e, typ, count); err != nil {
					return l, err
				}
			case tiffStripByteCount, tiffTileByteCount:
				if counts, err = tiffValues(r, order, e, typ, count); err != nil {
					return l, err
				}
			}
		}
		if len(offs) != len(counts) {
			return l, fmt.Errorf("ifd at %d: %d strip offsets for %d counts", ifd, len(offs), len(counts))
		}
		for i := range offs {
			if offs[i]+counts[i] > limit {
				return l, ErrTruncated
			}
			l.end = max(l.end, offs[i]+counts[i])
		}
		if width && length && len(offs) > 0 {
			l.images++
		}
		ifd = int64(order.Uint32(table[12*n:]))
	}
	return l, nil
}

func tiffValues(r io.ReaderAt, order binary.ByteOrder, e []byte, typ uint16, count int64) ([]int64, error) {
	if typ != 3 && typ != 4 {
		return nil, fmt.Errorf("strip table of field type %d", typ)
	}
	if count > maxTIFFStrips {
		return nil, fmt.Errorf("%d strips", count)
	}
	w := tiffTypeSize[typ]
	raw := e[8:12]
	if w*count > 4 {
		var err error
		if raw, err = readFull(r, int64(order.Uint32(e[8:12])), int(w*count)); err != nil {
			return nil, err
		}
	}
	out := make([]int64, count)
	for i := range out {
		if w == 2 {
			out[i] = int64(order.Uint16(raw[2*i:]))
		} else {
			out[i] = int64(order.Uint32(raw[4*i:]))
		}
	}
	return out, nil
}

func checkTIFF(r io.ReaderAt, size int64) Result {
	l, err := walkTIFF(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if l.end != size {
		return Rejected("directories end at %d of %d", l.end, size)
	}
	if l.images == 0 {
		return Rejected("no directory describes an image")
	}
	return Valid(ConfidenceMedium)
}

func sizeTIFF(r io.ReaderAt, limit int64) (int64, error) {
	l, err := walkTIFF(r, limit)
	return l.end, err
}

const maxICOImages = 256

type icoImage struct {
	off, size int64
}

// walkICO reads the icon directory and returns its images and the end of
// the last one.
func walkICO(r io.ReaderAt, limit int64) ([]icoImage, int64, error) {
	hdr, err := readFull(r, 0, 6)
	if err != nil {
		return nil, 0, err
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != 0 || binary.LittleEndian.Uint16(hdr[2:4]) != 1 {
		return nil, 0, fmt.Errorf("not an icon directory")
	}
	n := int(binary.LittleEndian.Uint16(hdr[4:6]))
	if n == 0 || n > maxICOImages {
		return nil, 0, fmt.Errorf("%d images", n)
	}
	dir, err := readFull(r, 6, 16*n)
	if err != nil {
		return nil, 0, err
	}
	first := int64(6 + 16*n)
	end := first
	imgs := make([]icoImage, n)
	for i := range imgs {
		e := dir[16*i : 16*i+16]
		if e[3] != 0 || binary.LittleEndian.Uint16(e[4:6]) > 1 {
			return nil, 0, fmt.Errorf("entry %d: bad reserved or planes", i)
		}
		switch binary.LittleEndian.Uint16(e[6:8]) {
		case 0, 1, 4, 8, 16, 24, 32:
		default:
			return nil, 0, fmt.Errorf("entry %d: bad bit depth", i)
		}
		img := icoImage{off: int64(binary.LittleEndian.Uint32(e[12:16])), size: int64(binary.LittleEndian.Uint32(e[8:12]))}
		if img.size == 0 || img.off < first {
			return nil, 0, fmt.Errorf("entry %d: image at %d size %d", i, img.off, img.size)
		}
		imgs[i] = img
		end = max(end, img.off+img.size)
	}
	if end > limit {
		return nil, 0, ErrTruncated
	}
	return imgs, end, nil
}

func checkICO(r io.ReaderAt, size int64) Result {
	imgs, end, err := walkICO(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if end != size {
		return Rejected("images end at %d of %d", end, size)
	}
	for i, img := range imgs {
		head, err := readFull(r, img.off, min(8, int(img.size)))
		if err != nil {
			return Rejected("image %d unreadable", i)
		}
		if bytes.HasPrefix(head, pngSignature) {
			continue
		}
		if len(head) < 4 || binary.LittleEndian.Uint32(head) != 40 {
			return Rejected("image %d is neither PNG nor DIB", i)
		}
	}
	return Valid(ConfidenceMedium)
}

func sizeICO(r io.ReaderAt, limit int64) (int64, error) {
	_, end, err := walkICO(r, limit)
	return end, err
}

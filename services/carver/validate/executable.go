package validate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const maxELFEntries = 1 << 12

type elfLayout struct {
	end   int64
	etype uint16
}

// walkELF finds the end of an ELF image from its header tables and the
// file ranges of every segment and section that occupies file space.
func walkELF(r io.ReaderAt, limit int64) (elfLayout, error) {
	var l elfLayout
	id, err := readFull(r, 0, 16)
	if err != nil {
		return l, err
	}
	if string(id[:4]) != "\x7FELF" || id[6] != 1 {
		return l, errors.New("bad elf ident")
	}
	var order binary.ByteOrder
	switch id[5] {
	case 1:
		order = binary.LittleEndian
	case 2:
		order = binary.BigEndian
	default:
		return l, fmt.Errorf("bad data encoding %d", id[5])
	}
	wide := id[4] == 2
	if id[4] != 1 && !wide {
		return l, fmt.Errorf("bad class %d", id[4])
	}
	word := func(b []byte) int64 {
		if wide {
			return int64(order.Uint64(b))
		}
		return int64(order.Uint32(b))
	}

	ehsize := 52
	if wide {
		ehsize = 64
	}
	h, err := readFull(r, 0, ehsize)
	if err != nil {
		return l, err
	}
	l.etype = order.Uint16(h[16:18])
	var phoff, shoff int64
	var rest []byte
	if wide {
		phoff, shoff, rest = word(h[32:]), word(h[40:]), h[52:]
	} else {
		phoff, shoff, rest = word(h[28:]), word(h[32:]), h[40:]
	}
	if int(order.Uint16(rest[0:2])) != ehsize {
		return l, errors.New("header size does not match class")
	}
	phent, phnum := int64(order.Uint16(rest[2:4])), int64(order.Uint16(rest[4:6]))
	shent, shnum := int64(order.Uint16(rest[6:8])), int64(order.Uint16(rest[8:10]))
	if phnum > maxELFEntries || shnum > maxELFEntries {
		return l, errors.New("too many header entries")
	}
	l.end = int64(ehsize)

	table := func(off, ent, num, minEnt int64, span func(e []byte) (int64, int64, bool)) error {
		if num == 0 {
			return nil
		}
		if ent < minEnt {
			return fmt.Errorf("table entry size %d", ent)
		}
		if off < int64(ehsize) || off+ent*num > limit {
			return fmt.Errorf("table at %d: %w", off, ErrTruncated)
		}
		l.end = max(l.end, off+ent*num)
		b, err := readFull(r, off, int(ent*num))
		if err != nil {
			return err
		}
		for i := int64(0); i < num; i++ {
			o, n, ok := span(b[i*ent : (i+1)*ent])
			if !ok || n == 0 {
				continue
			}
			if o < 0 || n < 0 || o+n > limit {
				return fmt.Errorf("range %d+%d: %w", o, n, ErrTruncated)
			}
			l.end = max(l.end, o+n)
		}
		return nil
	}
	phMin, shMin := int64(32), int64(40)
	if wide {
		phMin, shMin = 56, 64
	}
	err = table(phoff, phent, phnum, phMin, func(e []byte) (int64, int64, bool) {
		if wide {
			return word(e[8:]), word(e[32:]), true
		}
		return word(e[4:]), word(e[16:]), true
	})
	if err != nil {
		return l, err
	}
	err = table(shoff, shent, shnum, shMin, func(e []byte) (int64, int64, bool) {
		const nobits = 8
		if order.Uint32(e[4:8]) == nobits {
			return 0, 0, false
		}
		if wide {
			return word(e[24:]), word(e[32:]), true
		}
		return word(e[16:]), word(e[20:]), true
	})
	return l, err
}

func checkELF(r io.ReaderAt, size int64) Result {
	l, err := walkELF(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if l.etype == 0 || l.etype > 4 {
		return Rejected("object type %d", l.etype)
	}
	if l.end != size {
		return Rejected("tables end at %d of %d", l.end, size)
	}
	return Valid(ConfidenceMedium)
}

func sizeELF(r io.ReaderAt, limit int64) (int64, error) {
	l, err := walkELF(r, limit)
	return l.end, err
}

const (
	maxPEHeaderOffset = 1 << 12
	maxPESections     = 96
	peSecurityDir     = 4
)

// walkPE finds the end of a PE image: headers, raw section data and the
// certificate table, which is addressed by file offset.
func walkPE(r io.ReaderAt, limit int64) (int64, error) {
	dos, err := readFull(r, 0, 64)
	if err != nil {
		return 0, err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return 0, errors.New("missing MZ")
	}
	lfanew := int64(binary.LittleEndian.Uint32(dos[0x3C:]))
	if lfanew < 64 || lfanew > maxPEHeaderOffset {
		return 0, fmt.Errorf("pe header offset %d", lfanew)
	}
	coff, err := readFull(r, lfanew, 24)
	if err != nil {
		return 0, err
	}
	if string(coff[:4]) != "PE\x00\x00" {
		return 0, errors.New("missing PE signature")
	}
	nsec := int64(binary.LittleEndian.Uint16(coff[6:8]))
	optSize := int64(binary.LittleEndian.Uint16(coff[20:22]))
	if nsec == 0 || nsec > maxPESections {
		return 0, fmt.Errorf("%d sections", nsec)
	}
	optOff := lfanew + 24
	opt, err := readFull(r, optOff, int(optSize))
	if err != nil {
		return 0, err
	}
	var dirs int64
	switch {
	case optSize >= 96 && binary.LittleEndian.Uint16(opt) == 0x10B:
		dirs = 96
	case optSize >= 112 && binary.LittleEndian.Uint16(opt) == 0x20B:
		dirs = 112
	default:
		return 0, errors.New("bad optional header")
	}
	end := int64(binary.LittleEndian.Uint32(opt[60:64]))
	if n := int64(binary.LittleEndian.Uint32(opt[dirs-4:])); n > peSecurityDir && dirs+8*(peSecurityDir+1) <= optSize {
		d := opt[dirs+8*peSecurityDir:]
		if off, sz := int64(binary.LittleEndian.Uint32(d)), int64(binary.LittleEndian.Uint32(d[4:])); sz > 0 {
			end = max(end, off+sz)
		}
	}
	secOff := optOff + optSize
	sec, err := readFull(r, secOff, int(40*nsec))
	if err != nil {
		return 0, err
	}
	end = max(end, secOff+40*nsec)
	for i := int64(0); i < nsec; i++ {
		s := sec[40*i:]
		raw, ptr := int64(binary.LittleEndian.Uint32(s[16:20])), int64(binary.LittleEndian.Uint32(s[20:24]))
		if raw > 0 {
			end = max(end, ptr+raw)
		}
	}
	if end > limit {
		return 0, ErrTruncated
	}
	return end, nil
}

func checkPE(r io.ReaderAt, size int64) Result {
	end, err := walkPE(r, size)
	if err != nil {
		return Rejected("%s", err)
	}
	if end != size {
		return Rejected("image ends at %d of %d", end, size)
	}
	return Valid(ConfidenceMedium)
}

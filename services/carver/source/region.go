package source

import "sort"

// Region is a half-open byte range [Start, End).
type Region struct {
	Start int64 `json:"start" yaml:"start" toml:"start"`
	End   int64 `json:"end" yaml:"end" toml:"end"`
}

// Len returns the number of bytes in the region.
func (r Region) Len() int64 { return r.End - r.Start }

// Contains reports whether off lies inside the region.
func (r Region) Contains(off int64) bool { return off >= r.Start && off < r.End }

// Normalize clips regions to [0, size), drops empty ones and merges overlapping
// or adjacent ranges. The result is sorted by Start.
func Normalize(regions []Region, size int64) []Region {
	clipped := make([]Region, 0, len(regions))
	for _, r := range regions {
		if r.Start < 0 {
			r.Start = 0
		}
		if r.End > size {
			r.End = size
		}
		if r.End > r.Start {
			clipped = append(clipped, r)
		}
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i].Start < clipped[j].Start })
	out := clipped[:0]
	for _, r := range clipped {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Split partitions regions into contiguous segments of at most size bytes.
func Split(regions []Region, size int64) []Region {
	if size <= 0 {
		return append([]Region(nil), regions...)
	}
	var out []Region
	for _, r := range regions {
		for start := r.Start; start < r.End; start += size {
			end := start + size
			if end > r.End {
				end = r.End
			}
			out = append(out, Region{Start: start, End: end})
		}
	}
	return out
}

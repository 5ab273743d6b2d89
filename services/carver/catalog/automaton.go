package catalog

import "sort"

// PatternKind tells header hits from trailer hits.
type PatternKind uint8

const (
	KindHeader PatternKind = iota
	KindTrailer
)

func (k PatternKind) String() string {
	if k == KindTrailer {
		return "trailer"
	}
	return "header"
}

// Hit is one pattern occurrence inside a scanned window.
type Hit struct {
	// End is the window index one past the last matched byte.
	End        int
	Kind       PatternKind
	Descriptor *Descriptor
}

type pattern struct {
	bytes []byte
	kind  PatternKind
	desc  *Descriptor
}

// automaton is an Aho-Corasick matcher compiled to a dense transition table
// so that each input byte costs one array lookup.
type automaton struct {
	next [][256]int32
	out  [][]*pattern
}

func buildAutomaton(patterns []*pattern) *automaton {
	a := &automaton{next: make([][256]int32, 1), out: make([][]*pattern, 1)}
	const none = -1
	for i := range a.next[0] {
		a.next[0][i] = none
	}
	// trie
	for _, p := range patterns {
		cur := int32(0)
		for _, b := range p.bytes {
			if a.next[cur][b] == none {
				var row [256]int32
				for i := range row {
					row[i] = none
				}
				a.next = append(a.next, row)
				a.out = append(a.out, nil)
				a.next[cur][b] = int32(len(a.next) - 1)
			}
			cur = a.next[cur][b]
		}
		a.out[cur] = append(a.out[cur], p)
	}
	// BFS failure links folded into the transition table
	fail := make([]int32, len(a.next))
	queue := make([]int32, 0, len(a.next))
	for b := 0; b < 256; b++ {
		if s := a.next[0][b]; s == none {
			a.next[0][b] = 0
		} else {
			fail[s] = 0
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		a.out[s] = append(a.out[s], a.out[fail[s]]...)
		for b := 0; b < 256; b++ {
			t := a.next[s][b]
			if t == none {
				a.next[s][b] = a.next[fail[s]][b]
				continue
			}
			fail[t] = a.next[fail[s]][b]
			queue = append(queue, t)
		}
	}
	return a
}

// scan reports every pattern occurrence in data. Hits are ordered by End,
// trailers before headers at the same End, then by type name.
func (a *automaton) scan(data []byte) []Hit {
	var hits []Hit
	state := int32(0)
	for i, b := range data {
		state = a.next[state][b]
		if len(a.out[state]) == 0 {
			continue
		}
		first := len(hits)
		for _, p := range a.out[state] {
			hits = append(hits, Hit{End: i + 1, Kind: p.kind, Descriptor: p.desc})
		}
		group := hits[first:]
		sort.Slice(group, func(x, y int) bool {
			if group[x].Kind != group[y].Kind {
				return group[x].Kind == KindTrailer
			}
			return group[x].Descriptor.TypeName < group[y].Descriptor.TypeName
		})
	}
	return hits
}

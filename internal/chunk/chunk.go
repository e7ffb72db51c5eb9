// Package chunk implements the part protocol: splitting byte streams into
// bounded-size payloads, the subject line codec that carries part metadata,
// and validated reassembly.
package chunk

import (
	"bytes"
	"sort"
)

// Part is one mail message's worth of a logical file. Index is 1-based and
// runs up to Total.
type Part struct {
	Name    string
	Index   int
	Total   int
	Payload []byte
}

// PartCount returns how many parts a payload of the given size needs. A
// zero-length payload still takes one (empty) part so empty files survive a
// round trip.
func PartCount(size, maxPartSize int64) int {
	if maxPartSize < 1 {
		panic("chunk: part size must be positive")
	}
	if size <= 0 {
		return 1
	}
	return int((size + maxPartSize - 1) / maxPartSize)
}

// Split cuts b into PartCount payloads. Every payload except the last has
// exactly maxPartSize bytes. The returned slices alias b.
func Split(b []byte, maxPartSize int64) [][]byte {
	n := PartCount(int64(len(b)), maxPartSize)
	parts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * maxPartSize
		end := start + maxPartSize
		if end > int64(len(b)) {
			end = int64(len(b))
		}
		parts = append(parts, b[start:end])
	}
	return parts
}

// Join reassembles part payloads strictly by ascending index. The set must
// cover every index in [1, Total] exactly once; duplicates are tolerated
// only when their payloads are identical. Anything else comes back as an
// IncompletePartSetError or DuplicatePartError rather than a guess.
func Join(parts []Part) ([]byte, error) {
	if len(parts) == 0 {
		return nil, &IncompletePartSetError{}
	}
	name := parts[0].Name

	byIndex := make(map[int][]byte, len(parts))
	var totals []int
	for _, p := range parts {
		if !containsInt(totals, p.Total) {
			totals = append(totals, p.Total)
		}
		if prev, ok := byIndex[p.Index]; ok {
			if !bytes.Equal(prev, p.Payload) {
				return nil, &DuplicatePartError{Name: name, Index: p.Index}
			}
			continue
		}
		byIndex[p.Index] = p.Payload
	}
	if len(totals) > 1 {
		sort.Ints(totals)
		return nil, &IncompletePartSetError{Name: name, Have: len(byIndex), Totals: totals}
	}

	total := totals[0]
	var missing []int
	size := 0
	for i := 1; i <= total; i++ {
		p, ok := byIndex[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		size += len(p)
	}
	if len(missing) > 0 || len(byIndex) != total {
		return nil, &IncompletePartSetError{Name: name, Want: total, Have: len(byIndex), Missing: missing}
	}

	out := make([]byte, 0, size)
	for i := 1; i <= total; i++ {
		out = append(out, byIndex[i]...)
	}
	return out, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

package chunk

import (
	"bytes"
	"errors"
	"testing"
)

func fill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func toParts(name string, payloads [][]byte) []Part {
	parts := make([]Part, 0, len(payloads))
	for i, p := range payloads {
		parts = append(parts, Part{Name: name, Index: i + 1, Total: len(payloads), Payload: p})
	}
	return parts
}

func TestSplitJoinRoundTrip(t *testing.T) {
	const m = 7
	for _, n := range []int{0, 1, 6, 7, 8, 13, 14, 15, 70} {
		b := fill(n)
		payloads := Split(b, m)
		want := (n + m - 1) / m
		if want == 0 {
			want = 1
		}
		if len(payloads) != want {
			t.Fatalf("size %d: got %d parts, want %d", n, len(payloads), want)
		}
		for i, p := range payloads {
			if i < len(payloads)-1 && len(p) != m {
				t.Fatalf("size %d: part %d has %d bytes, want %d", n, i+1, len(p), m)
			}
		}
		got, err := Join(toParts("f", payloads))
		if err != nil {
			t.Fatalf("size %d: join: %v", n, err)
		}
		if !bytes.Equal(got, b) {
			t.Fatalf("size %d: round trip mismatch", n)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	payloads := Split(nil, 10)
	if len(payloads) != 1 {
		t.Fatalf("got %d parts, want 1", len(payloads))
	}
	if len(payloads[0]) != 0 {
		t.Fatalf("got %d bytes, want empty part", len(payloads[0]))
	}
	got, err := Join(toParts("empty", payloads))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes back, want 0", len(got))
	}
}

func TestPartCount(t *testing.T) {
	cases := []struct {
		size, max int64
		want      int
	}{
		{0, 10, 1},
		{1, 10, 1},
		{9, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{20, 10, 2},
		{21, 10, 3},
		{70 << 20, 29 << 20, 3},
	}
	for _, c := range cases {
		if got := PartCount(c.size, c.max); got != c.want {
			t.Fatalf("PartCount(%d, %d) = %d, want %d", c.size, c.max, got, c.want)
		}
	}
}

func TestSplitLargeFile(t *testing.T) {
	b := make([]byte, 70<<20)
	parts := Split(b, 29<<20)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if len(parts[0]) != 29<<20 || len(parts[1]) != 29<<20 || len(parts[2]) != 12<<20 {
		t.Fatalf("part sizes %d/%d/%d, want 29/29/12 MiB", len(parts[0]), len(parts[1]), len(parts[2]))
	}
}

func TestJoinOutOfOrder(t *testing.T) {
	b := fill(20)
	parts := toParts("f", Split(b, 7))
	shuffled := []Part{parts[2], parts[0], parts[1]}
	got, err := Join(shuffled)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Fatalf("out-of-order join mismatch")
	}
}

func TestJoinMissingPart(t *testing.T) {
	parts := []Part{
		{Name: "f", Index: 1, Total: 3, Payload: []byte("aa")},
		{Name: "f", Index: 3, Total: 3, Payload: []byte("cc")},
	}
	_, err := Join(parts)
	var inc *IncompletePartSetError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompletePartSetError, got %v", err)
	}
	if inc.Want != 3 || inc.Have != 2 {
		t.Fatalf("want/have = %d/%d, expected 3/2", inc.Want, inc.Have)
	}
	if len(inc.Missing) != 1 || inc.Missing[0] != 2 {
		t.Fatalf("missing = %v, expected [2]", inc.Missing)
	}
}

func TestJoinDuplicateIdentical(t *testing.T) {
	parts := []Part{
		{Name: "f", Index: 1, Total: 2, Payload: []byte("aa")},
		{Name: "f", Index: 1, Total: 2, Payload: []byte("aa")},
		{Name: "f", Index: 2, Total: 2, Payload: []byte("bb")},
	}
	got, err := Join(parts)
	if err != nil {
		t.Fatalf("identical duplicate should be accepted: %v", err)
	}
	if string(got) != "aabb" {
		t.Fatalf("got %q, want %q", got, "aabb")
	}
}

func TestJoinDuplicateConflict(t *testing.T) {
	parts := []Part{
		{Name: "f", Index: 1, Total: 2, Payload: []byte("aa")},
		{Name: "f", Index: 1, Total: 2, Payload: []byte("XX")},
		{Name: "f", Index: 2, Total: 2, Payload: []byte("bb")},
	}
	_, err := Join(parts)
	var dup *DuplicatePartError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePartError, got %v", err)
	}
	if dup.Index != 1 {
		t.Fatalf("conflicting index = %d, expected 1", dup.Index)
	}
}

func TestJoinTotalsDisagree(t *testing.T) {
	parts := []Part{
		{Name: "f", Index: 1, Total: 2, Payload: []byte("aa")},
		{Name: "f", Index: 2, Total: 3, Payload: []byte("bb")},
	}
	_, err := Join(parts)
	var inc *IncompletePartSetError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompletePartSetError, got %v", err)
	}
	if len(inc.Totals) != 2 || inc.Totals[0] != 2 || inc.Totals[1] != 3 {
		t.Fatalf("totals = %v, expected [2 3]", inc.Totals)
	}
}

func TestJoinEmptySet(t *testing.T) {
	_, err := Join(nil)
	var inc *IncompletePartSetError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompletePartSetError, got %v", err)
	}
}

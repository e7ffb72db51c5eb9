package chunk

import (
	"errors"
	"testing"
)

func TestSubjectRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		index int
		total int
	}{
		{"report.pdf", 1, 3},
		{"archive.tar.gz", 7, 12},
		{"no extension", 1, 1},
		{"weird.part5of9", 2, 2},
		{"a/b.txt", 1, 2},
		{"50%off.pdf", 1, 1},
		{"résumé.docx", 3, 4},
	}
	for _, c := range cases {
		s, err := EncodeSubject(c.name, c.index, c.total)
		if err != nil {
			t.Fatalf("%q: encode: %v", c.name, err)
		}
		name, index, total, err := DecodeSubject(s)
		if err != nil {
			t.Fatalf("%q: decode %q: %v", c.name, s, err)
		}
		if name != c.name || index != c.index || total != c.total {
			t.Fatalf("round trip of %q gave (%q, %d, %d)", c.name, name, index, total)
		}
	}
}

func TestEncodeSubjectFormat(t *testing.T) {
	s, err := EncodeSubject("report.pdf", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if s != "report.pdf.part2of3" {
		t.Fatalf("got %q", s)
	}
	s, err = EncodeSubject("a/b", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s != "a%2Fb.part1of1" {
		t.Fatalf("got %q", s)
	}
}

func TestEncodeSubjectRejects(t *testing.T) {
	if _, err := EncodeSubject("", 1, 1); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := EncodeSubject("f", 0, 1); err == nil {
		t.Fatal("zero index accepted")
	}
	if _, err := EncodeSubject("f", 3, 2); err == nil {
		t.Fatal("index beyond total accepted")
	}
	if _, err := EncodeSubject("f", 1, 0); err == nil {
		t.Fatal("zero total accepted")
	}
}

func TestDecodeSubjectMalformed(t *testing.T) {
	subjects := []string{
		"",
		"holiday plans",
		"report.pdf",
		".part1of2",
		"f.part0of2",
		"f.part3of2",
		"f.partXof2",
		"f.part1of0",
		"f%zz.part1of1",
		"f%2.part1of1",
		"f.part99999999999999999999of2",
	}
	for _, s := range subjects {
		_, _, _, err := DecodeSubject(s)
		var merr *MalformedPartError
		if !errors.As(err, &merr) {
			t.Fatalf("%q: expected MalformedPartError, got %v", s, err)
		}
	}
}

func TestDecodeStripsRightmostSuffix(t *testing.T) {
	name, index, total, err := DecodeSubject("a.part2of3.part1of3")
	if err != nil {
		t.Fatal(err)
	}
	if name != "a.part2of3" || index != 1 || total != 3 {
		t.Fatalf("got (%q, %d, %d)", name, index, total)
	}
}

package chunk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Wire format: <escapedName>.part<index>of<total>, indices 1-based. The name
// escapes '%' and '/' so it can never be confused with a virtual path, and
// the decoder strips the rightmost part suffix, so a name that itself ends
// in ".partXofY" still round-trips.

var subjectRe = regexp.MustCompile(`^(.*)\.part([0-9]+)of([0-9]+)$`)

var nameEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// EncodeSubject renders the subject line for one part of the named file.
func EncodeSubject(name string, index, total int) (string, error) {
	if name == "" {
		return "", fmt.Errorf("encode subject: empty name")
	}
	if total < 1 {
		return "", fmt.Errorf("encode subject: total %d out of range", total)
	}
	if index < 1 || index > total {
		return "", fmt.Errorf("encode subject: index %d out of range [1, %d]", index, total)
	}
	return fmt.Sprintf("%s.part%dof%d", nameEscaper.Replace(name), index, total), nil
}

// DecodeSubject parses a subject line back into (name, index, total). Any
// subject that does not strictly follow the wire format is a foreign
// message and comes back as a MalformedPartError.
func DecodeSubject(subject string) (string, int, int, error) {
	m := subjectRe.FindStringSubmatch(subject)
	if m == nil {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: "no part suffix"}
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: "index not numeric"}
	}
	total, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: "total not numeric"}
	}
	if total < 1 {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: "total must be positive"}
	}
	if index < 1 || index > total {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: fmt.Sprintf("index %d outside [1, %d]", index, total)}
	}
	name, err := unescapeName(m[1])
	if err != nil {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: err.Error()}
	}
	if name == "" {
		return "", 0, 0, &MalformedPartError{Subject: subject, Reason: "empty name"}
	}
	return name, index, total, nil
}

func unescapeName(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape")
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "2F":
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("unknown escape %%%s", s[i+1:i+3])
		}
		i += 2
	}
	return b.String(), nil
}

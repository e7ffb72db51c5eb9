// Package vpath maps virtual folder paths onto the transport's flat
// mail-folder namespace and back. Paths are ordered segment lists; the
// empty path is the drive root.
package vpath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutsideBase marks a transport folder that does not belong to the
// drive's base folder and therefore has no virtual path.
var ErrOutsideBase = errors.New("folder outside the drive base")

// InvalidSegmentError reports a path segment the mapper cannot represent.
type InvalidSegmentError struct {
	Segment string
	Reason  string
}

func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("invalid path segment %q: %s", e.Segment, e.Reason)
}

// Mapper serializes virtual paths under a base storage folder using the
// server's hierarchy separator. Encode and Decode are inverses for every
// path Encode accepts.
type Mapper struct {
	base string
	sep  string
}

// NewMapper validates the base folder against the separator. The base may
// itself be nested (e.g. "archive/files").
func NewMapper(base, sep string) (*Mapper, error) {
	if sep == "" {
		return nil, fmt.Errorf("vpath: empty separator")
	}
	if base == "" {
		return nil, &InvalidSegmentError{Segment: base, Reason: "empty base folder"}
	}
	for _, seg := range strings.Split(base, sep) {
		if seg == "" {
			return nil, &InvalidSegmentError{Segment: base, Reason: "empty segment in base folder"}
		}
	}
	return &Mapper{base: base, sep: sep}, nil
}

// Base returns the transport folder the root path maps to.
func (m *Mapper) Base() string { return m.base }

// Sep returns the reserved separator.
func (m *Mapper) Sep() string { return m.sep }

// Encode turns path segments into a transport folder identifier. The root
// (no segments) encodes to the base folder.
func (m *Mapper) Encode(segments []string) (string, error) {
	for _, seg := range segments {
		if seg == "" {
			return "", &InvalidSegmentError{Segment: seg, Reason: "empty segment"}
		}
		if strings.Contains(seg, m.sep) {
			return "", &InvalidSegmentError{Segment: seg, Reason: fmt.Sprintf("contains reserved separator %q", m.sep)}
		}
	}
	if len(segments) == 0 {
		return m.base, nil
	}
	return m.base + m.sep + strings.Join(segments, m.sep), nil
}

// Decode recovers the virtual path of a transport folder. Folders that are
// not the base or under it come back as ErrOutsideBase.
func (m *Mapper) Decode(folder string) ([]string, error) {
	if folder == m.base {
		return nil, nil
	}
	prefix := m.base + m.sep
	if !strings.HasPrefix(folder, prefix) {
		return nil, ErrOutsideBase
	}
	segments := strings.Split(strings.TrimPrefix(folder, prefix), m.sep)
	for _, seg := range segments {
		if seg == "" {
			return nil, &InvalidSegmentError{Segment: seg, Reason: fmt.Sprintf("empty segment in %q", folder)}
		}
	}
	return segments, nil
}

// SplitPath splits a user-typed virtual path on "/" into segments, dropping
// empty pieces so leading, trailing, and doubled slashes are tolerated.
func SplitPath(s string) []string {
	var segments []string
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

// JoinPath renders segments the way users type them.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}

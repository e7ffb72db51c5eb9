package chunk

import "fmt"

// MalformedPartError marks a message whose subject does not decode. During
// listing such messages are treated as foreign and skipped.
type MalformedPartError struct {
	Subject string
	Reason  string
}

func (e *MalformedPartError) Error() string {
	return fmt.Sprintf("malformed part subject %q: %s", e.Subject, e.Reason)
}

// IncompletePartSetError reports a part set that cannot cover [1, Want].
// When the parts disagree about the total, Totals holds every value seen
// and Want is zero.
type IncompletePartSetError struct {
	Name    string
	Want    int
	Have    int
	Missing []int
	Totals  []int
}

func (e *IncompletePartSetError) Error() string {
	if len(e.Totals) > 1 {
		return fmt.Sprintf("incomplete part set for %q: parts disagree on total %v", e.Name, e.Totals)
	}
	if e.Have == 0 && e.Want == 0 {
		return "incomplete part set: no parts"
	}
	return fmt.Sprintf("incomplete part set for %q: have %d of %d parts, missing %v", e.Name, e.Have, e.Want, e.Missing)
}

// DuplicatePartError reports two parts claiming the same index with
// different payloads. Identical duplicates are not an error.
type DuplicatePartError struct {
	Name  string
	Index int
}

func (e *DuplicatePartError) Error() string {
	return fmt.Sprintf("conflicting payloads for part %d of %q", e.Index, e.Name)
}

package drive

import "fmt"

// NotFoundError reports that no message decodes to the requested logical
// file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found", e.Path)
}

// TransportError wraps a failure of the external mail store. Callers may
// retry; the engine never does.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UploadError reports a partial upload: Sent parts reached the mailbox
// before the failure, so the remote side holds an incomplete set.
type UploadError struct {
	Name  string
	Sent  int
	Total int
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: sent %d of %d parts: %v", e.Name, e.Sent, e.Total, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// RemoveError reports a partial removal: Deleted of Total messages are
// gone and the rest must be cleaned up by hand.
type RemoveError struct {
	Path    string
	Deleted int
	Total   int
	Err     error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("remove %s: deleted %d of %d messages: %v", e.Path, e.Deleted, e.Total, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }

// Package drive implements the virtual object store on top of an abstract
// mail transport: uploading files as part messages, listing and
// reassembling them, and removing them. All state lives in the mailbox;
// every operation re-derives what it needs from the transport.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	gologme "github.com/gologme/log"

	"github.com/pepperpark/maildrive/internal/chunk"
	"github.com/pepperpark/maildrive/internal/vpath"
)

// DefaultPartSize is the raw payload budget per message. Yahoo caps
// attachments a little above 29 MiB, so 29 MiB of payload fits after MIME
// overhead.
const DefaultPartSize int64 = 29 << 20

// ErrNoFolder is wrapped by transports when an addressed folder does not
// exist, so the engine can report it as a NotFoundError instead of a
// transport failure.
var ErrNoFolder = errors.New("folder does not exist")

// Message is the transport's view of one stored mail message. Size is the
// decoded attachment size as far as the transport can tell without
// fetching the body (base64 arithmetic, may overestimate by a byte or
// two).
type Message struct {
	ID      uint32
	Subject string
	Date    time.Time
	Size    int64
}

// Transport is the mail-store capability the engine consumes. One
// Transport value is one session; methods are not called concurrently on
// the same session.
type Transport interface {
	// Delimiter reports the server's folder hierarchy separator.
	Delimiter() string
	// ListFolders returns every folder strictly under parent, at any
	// depth. An empty parent means all folders.
	ListFolders(ctx context.Context, parent string) ([]string, error)
	// CreateFolder creates a folder and any missing ancestors. Creating
	// an existing folder is a no-op.
	CreateFolder(ctx context.Context, folder string) error
	ListMessages(ctx context.Context, folder string) ([]Message, error)
	// FetchPayload returns the decoded attachment payload of one message.
	FetchPayload(ctx context.Context, folder string, id uint32) ([]byte, error)
	// FetchRaw returns the full RFC 822 bytes of one message.
	FetchRaw(ctx context.Context, folder string, id uint32) ([]byte, error)
	// SendMessage stores a new message carrying payload as its single
	// attachment, with the given subject.
	SendMessage(ctx context.Context, folder, subject string, payload []byte) error
	// AppendRaw stores a pre-built RFC 822 message verbatim.
	AppendRaw(ctx context.Context, folder string, raw []byte) error
	DeleteMessage(ctx context.Context, folder string, id uint32) error
	Close() error
}

// Entry is one row of a listing: a logical file summary or a folder name.
type Entry struct {
	Path    string // virtual path relative to the listed folder
	IsDir   bool
	Parts   int
	Size    int64
	Date    time.Time
	Valid   bool
	Problem string // set when Valid is false
}

// Drive binds the codec, the path mapper, and one or more transport
// sessions into the store operations. The first session handles all
// writes; extra sessions only ever serve concurrent part fetches.
type Drive struct {
	mapper   *vpath.Mapper
	sessions []Transport
	partSize int64
	log      *gologme.Logger
}

// New builds a Drive over at least one transport session.
func New(mapper *vpath.Mapper, sessions []Transport, partSize int64, log *gologme.Logger) *Drive {
	if partSize < 1 {
		partSize = DefaultPartSize
	}
	if log == nil {
		log = gologme.New(io.Discard, "", 0)
	}
	return &Drive{mapper: mapper, sessions: sessions, partSize: partSize, log: log}
}

func (d *Drive) primary() Transport { return d.sessions[0] }

// List enumerates a virtual folder. With recurse false only the folder's
// own files are returned and maxDepth is ignored. With recurse true,
// subfolders up to maxDepth levels down are expanded into file entries
// with relative path prefixes, and folders exactly one level past the
// expansion limit appear as folder entries without their contents. A
// negative maxDepth expands everything. Every call queries the transport
// afresh.
func (d *Drive) List(ctx context.Context, folder []string, recurse bool, maxDepth int) ([]Entry, error) {
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return nil, err
	}
	entries, err := d.listFolder(ctx, folderID, "")
	if err != nil {
		if errors.Is(err, ErrNoFolder) {
			return nil, &NotFoundError{Path: "/" + vpath.JoinPath(folder)}
		}
		return nil, err
	}
	if !recurse {
		return entries, nil
	}

	rels, err := d.subfolders(ctx, folderID, folder)
	if err != nil {
		return nil, err
	}
	unlimited := maxDepth < 0
	seenFrontier := map[string]bool{}
	for _, rel := range rels {
		if unlimited || len(rel) <= maxDepth {
			subID, err := d.mapper.Encode(append(append([]string{}, folder...), rel...))
			if err != nil {
				return nil, err
			}
			sub, err := d.listFolder(ctx, subID, vpath.JoinPath(rel)+"/")
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
			continue
		}
		frontier := rel[:maxDepth+1]
		key := vpath.JoinPath(frontier)
		if !seenFrontier[key] {
			seenFrontier[key] = true
			entries = append(entries, Entry{Path: key, IsDir: true, Valid: true})
		}
	}
	return entries, nil
}

// Stat returns the listing entry for one logical file.
func (d *Drive) Stat(ctx context.Context, folder []string, name string) (Entry, error) {
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return Entry{}, err
	}
	entries, err := d.listFolder(ctx, folderID, "")
	if err != nil {
		if errors.Is(err, ErrNoFolder) {
			return Entry{}, &NotFoundError{Path: displayPath(folder, name)}
		}
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Path == name {
			return e, nil
		}
	}
	return Entry{}, &NotFoundError{Path: displayPath(folder, name)}
}

// Count returns the number of messages stored in a virtual folder, foreign
// messages included.
func (d *Drive) Count(ctx context.Context, folder []string) (int, error) {
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return 0, err
	}
	msgs, err := d.primary().ListMessages(ctx, folderID)
	if err != nil {
		if errors.Is(err, ErrNoFolder) {
			return 0, &NotFoundError{Path: "/" + vpath.JoinPath(folder)}
		}
		return 0, &TransportError{Op: "list " + folderID, Err: err}
	}
	return len(msgs), nil
}

// Folders returns the virtual path of every folder under the base folder,
// the root included when it exists, sorted for display.
func (d *Drive) Folders(ctx context.Context) ([][]string, error) {
	ids, err := d.primary().ListFolders(ctx, "")
	if err != nil {
		return nil, &TransportError{Op: "list folders", Err: err}
	}
	var out [][]string
	for _, id := range ids {
		segs, err := d.mapper.Decode(id)
		if err != nil {
			if !errors.Is(err, vpath.ErrOutsideBase) {
				d.log.Debugf("skipping folder %q: %v", id, err)
			}
			continue
		}
		out = append(out, segs)
	}
	sort.Slice(out, func(i, j int) bool {
		return vpath.JoinPath(out[i]) < vpath.JoinPath(out[j])
	})
	return out, nil
}

// fileAgg accumulates the part messages seen for one logical name.
type fileAgg struct {
	name    string
	byIndex map[int]Message
	totals  []int
	date    time.Time
}

func (a *fileAgg) entry(prefix string) Entry {
	e := Entry{Path: prefix + a.name, Parts: len(a.byIndex), Date: a.date, Valid: true}
	for _, m := range a.byIndex {
		e.Size += m.Size
	}
	if len(a.totals) > 1 {
		sort.Ints(a.totals)
		e.Valid = false
		e.Problem = fmt.Sprintf("parts disagree on total %v", a.totals)
		return e
	}
	if want := a.totals[0]; len(a.byIndex) != want {
		e.Valid = false
		e.Problem = fmt.Sprintf("have %d of %d parts", len(a.byIndex), want)
	}
	return e
}

// listFolder fetches one transport folder and groups its messages into
// logical file entries, in first-seen order. Messages whose subjects do
// not decode are foreign and skipped.
func (d *Drive) listFolder(ctx context.Context, folderID, prefix string) ([]Entry, error) {
	msgs, err := d.primary().ListMessages(ctx, folderID)
	if err != nil {
		return nil, &TransportError{Op: "list " + folderID, Err: err}
	}
	var order []*fileAgg
	aggs := map[string]*fileAgg{}
	for _, m := range msgs {
		name, index, total, err := chunk.DecodeSubject(m.Subject)
		if err != nil {
			d.log.Debugf("skipping foreign message %d in %s: %v", m.ID, folderID, err)
			continue
		}
		a, ok := aggs[name]
		if !ok {
			a = &fileAgg{name: name, byIndex: map[int]Message{}}
			aggs[name] = a
			order = append(order, a)
		}
		if !containsInt(a.totals, total) {
			a.totals = append(a.totals, total)
		}
		if _, dup := a.byIndex[index]; !dup {
			a.byIndex[index] = m
		}
		if m.Date.After(a.date) {
			a.date = m.Date
		}
	}
	entries := make([]Entry, 0, len(order))
	for _, a := range order {
		entries = append(entries, a.entry(prefix))
	}
	return entries, nil
}

// subfolders lists the virtual paths under folderID relative to folder, in
// transport order.
func (d *Drive) subfolders(ctx context.Context, folderID string, folder []string) ([][]string, error) {
	ids, err := d.primary().ListFolders(ctx, folderID)
	if err != nil {
		return nil, &TransportError{Op: "list folders under " + folderID, Err: err}
	}
	var rels [][]string
	for _, id := range ids {
		segs, err := d.mapper.Decode(id)
		if err != nil {
			if !errors.Is(err, vpath.ErrOutsideBase) {
				d.log.Debugf("skipping folder %q: %v", id, err)
			}
			continue
		}
		if !hasPrefix(segs, folder) || len(segs) == len(folder) {
			continue
		}
		rels = append(rels, segs[len(folder):])
	}
	return rels, nil
}

func hasPrefix(segs, prefix []string) bool {
	if len(segs) < len(prefix) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// emit sends a progress increment without ever blocking the operation.
func emit(progress chan<- int, n int) {
	if progress == nil {
		return
	}
	select {
	case progress <- n:
	default:
	}
}

func displayPath(folder []string, name string) string {
	if len(folder) == 0 {
		return name
	}
	return vpath.JoinPath(folder) + "/" + name
}

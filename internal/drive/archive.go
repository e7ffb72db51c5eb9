package drive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"

	"github.com/pepperpark/maildrive/internal/vpath"
)

// Export streams every raw message of a virtual folder into an mbox
// archive, returning the number of messages written.
func (d *Drive) Export(ctx context.Context, folder []string, w io.Writer, progress chan<- int) (int, error) {
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
	mw := mbox.NewWriter(w)
	written := 0
	for _, m := range msgs {
		raw, err := d.primary().FetchRaw(ctx, folderID, m.ID)
		if err != nil {
			return written, &TransportError{Op: fmt.Sprintf("fetch message %d", m.ID), Err: err}
		}
		mwr, err := mw.CreateMessage("", m.Date)
		if err != nil {
			return written, fmt.Errorf("write mbox: %w", err)
		}
		if _, err := mwr.Write(raw); err != nil {
			return written, fmt.Errorf("write mbox: %w", err)
		}
		written++
		emit(progress, 1)
	}
	if err := mw.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	d.log.Infof("exported %d message(s) from %s", written, folderID)
	return written, nil
}

// Restore appends every message of an mbox archive back into a virtual
// folder verbatim, creating the folder if needed. Restoring an export of a
// folder reproduces its listing exactly.
func (d *Drive) Restore(ctx context.Context, r io.Reader, folder []string, progress chan<- int) (int, error) {
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return 0, err
	}
	if err := d.ensureFolder(ctx, folderID); err != nil {
		return 0, err
	}
	mr := mbox.NewReader(r)
	restored := 0
	for {
		msg, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read mbox: %w", err)
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			return restored, fmt.Errorf("read mbox message: %w", err)
		}
		if err := d.primary().AppendRaw(ctx, folderID, raw); err != nil {
			return restored, &TransportError{Op: "append to " + folderID, Err: err}
		}
		restored++
		emit(progress, 1)
	}
	d.log.Infof("restored %d message(s) into %s", restored, folderID)
	return restored, nil
}

package drive

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pepperpark/maildrive/internal/chunk"
)

type partRef struct {
	msg   Message
	index int
	total int
}

// matchParts lists the mapped folder and keeps the messages that decode to
// name. Foreign messages are skipped at debug level, same as listing.
func (d *Drive) matchParts(ctx context.Context, folder []string, name string) (string, []partRef, error) {
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return "", nil, err
	}
	msgs, err := d.primary().ListMessages(ctx, folderID)
	if err != nil {
		if errors.Is(err, ErrNoFolder) {
			return "", nil, &NotFoundError{Path: displayPath(folder, name)}
		}
		return "", nil, &TransportError{Op: "list " + folderID, Err: err}
	}
	var refs []partRef
	for _, m := range msgs {
		n, index, total, err := chunk.DecodeSubject(m.Subject)
		if err != nil {
			d.log.Debugf("skipping foreign message %d in %s: %v", m.ID, folderID, err)
			continue
		}
		if n != name {
			continue
		}
		refs = append(refs, partRef{msg: m, index: index, total: total})
	}
	return folderID, refs, nil
}

// Download reassembles a logical file. Join failures (incomplete or
// conflicting part sets) surface verbatim so the caller can tell a missing
// file from a corrupt one. Part payloads are fetched concurrently when the
// drive holds more than one session; assembly re-sorts by index, so fetch
// order never matters.
func (d *Drive) Download(ctx context.Context, folder []string, name string, progress chan<- int) ([]byte, error) {
	folderID, refs, err := d.matchParts(ctx, folder, name)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, &NotFoundError{Path: displayPath(folder, name)}
	}
	d.log.Debugf("downloading %s: %d part message(s)", displayPath(folder, name), len(refs))

	parts := make([]chunk.Part, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range refs {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return
			}
		}
	}()
	for _, s := range d.sessions {
		s := s
		g.Go(func() error {
			for i := range jobs {
				payload, err := s.FetchPayload(gctx, folderID, refs[i].msg.ID)
				if err != nil {
					return &TransportError{Op: fmt.Sprintf("fetch part %d of %s", refs[i].index, name), Err: err}
				}
				parts[i] = chunk.Part{Name: name, Index: refs[i].index, Total: refs[i].total, Payload: payload}
				emit(progress, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunk.Join(parts)
}

// Remove deletes every message backing a logical file, one at a time so a
// partial failure can report exactly how many are gone.
func (d *Drive) Remove(ctx context.Context, folder []string, name string, progress chan<- int) (int, error) {
	folderID, refs, err := d.matchParts(ctx, folder, name)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, &NotFoundError{Path: displayPath(folder, name)}
	}
	deleted := 0
	for _, ref := range refs {
		if err := d.primary().DeleteMessage(ctx, folderID, ref.msg.ID); err != nil {
			return deleted, &RemoveError{
				Path:    displayPath(folder, name),
				Deleted: deleted,
				Total:   len(refs),
				Err:     &TransportError{Op: fmt.Sprintf("delete message %d", ref.msg.ID), Err: err},
			}
		}
		deleted++
		emit(progress, 1)
	}
	d.log.Infof("removed %s (%d message(s))", displayPath(folder, name), deleted)
	return deleted, nil
}

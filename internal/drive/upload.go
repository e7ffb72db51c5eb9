package drive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pepperpark/maildrive/internal/chunk"
)

// Upload stores a local file, or a local directory tree walked depth-first,
// under the given virtual folder. It returns the number of parts that
// reached the mailbox; on error that count tells the caller how much of a
// partial set is left behind. startPart resumes a single-file upload at
// that 1-based part index and must be 1 (or 0) for directories.
//
// Uploading a name that already exists proceeds and leaves a second copy
// of every part behind. Listing flags nothing, and download still works as
// long as the copies are identical.
func (d *Drive) Upload(ctx context.Context, local string, folder []string, startPart int, progress chan<- int) (int, error) {
	info, err := os.Stat(local)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		if startPart > 1 {
			return 0, fmt.Errorf("start part only applies to single-file uploads")
		}
		return d.uploadDir(ctx, local, folder, progress)
	}
	folderID, err := d.mapper.Encode(folder)
	if err != nil {
		return 0, err
	}
	if err := d.ensureFolder(ctx, folderID); err != nil {
		return 0, err
	}
	return d.uploadFile(ctx, local, info, folderID, startPart, progress)
}

func (d *Drive) ensureFolder(ctx context.Context, folderID string) error {
	if err := d.primary().CreateFolder(ctx, folderID); err != nil {
		return &TransportError{Op: "create folder " + folderID, Err: err}
	}
	return nil
}

// uploadFile sends one file's parts sequentially in ascending index order,
// reading each part straight from disk so large files are never buffered
// whole.
func (d *Drive) uploadFile(ctx context.Context, local string, info fs.FileInfo, folderID string, startPart int, progress chan<- int) (int, error) {
	name := filepath.Base(local)
	total := chunk.PartCount(info.Size(), d.partSize)
	if startPart < 1 {
		startPart = 1
	}
	if startPart > total {
		return 0, fmt.Errorf("start part %d is beyond the %d part(s) of %s", startPart, total, name)
	}

	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d.log.Infof("uploading %s: %d part(s) of up to %d bytes to %s", name, total, d.partSize, folderID)
	sent := 0
	for i := startPart; i <= total; i++ {
		subject, err := chunk.EncodeSubject(name, i, total)
		if err != nil {
			return sent, err
		}
		payload, err := readPartAt(f, info.Size(), i, total, d.partSize)
		if err != nil {
			return sent, &UploadError{Name: name, Sent: sent, Total: total, Err: err}
		}
		if err := d.primary().SendMessage(ctx, folderID, subject, payload); err != nil {
			return sent, &UploadError{Name: name, Sent: sent, Total: total, Err: &TransportError{Op: "send " + subject, Err: err}}
		}
		sent++
		emit(progress, 1)
		d.log.Debugf("sent %s (%d bytes)", subject, len(payload))
	}
	return sent, nil
}

// readPartAt reads the 1-based index'th part of a file of the given size.
// The last part takes whatever remains, which for an empty file is an
// empty payload.
func readPartAt(f *os.File, size int64, index, total int, partSize int64) ([]byte, error) {
	offset := int64(index-1) * partSize
	length := partSize
	if index == total {
		length = size - offset
	}
	b := make([]byte, length)
	if length == 0 {
		return b, nil
	}
	n, err := f.ReadAt(b, offset)
	if n != len(b) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read part %d: %w", index, err)
	}
	return b, nil
}

// uploadDir mirrors a local directory tree into virtual subfolders. The
// directory's own name becomes the top subfolder, matching what a file
// upload does with its base name. Empty directories are created too.
func (d *Drive) uploadDir(ctx context.Context, local string, folder []string, progress chan<- int) (int, error) {
	root := filepath.Clean(local)
	top := append(append([]string{}, folder...), filepath.Base(root))
	sent := 0
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		var sub []string
		if rel != "." {
			sub = strings.Split(rel, string(filepath.Separator))
		}
		if de.IsDir() {
			dirID, err := d.mapper.Encode(append(append([]string{}, top...), sub...))
			if err != nil {
				return err
			}
			return d.ensureFolder(ctx, dirID)
		}
		if !de.Type().IsRegular() {
			d.log.Warnf("skipping %s: not a regular file", path)
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		parent := append(append([]string{}, top...), sub[:len(sub)-1]...)
		folderID, err := d.mapper.Encode(parent)
		if err != nil {
			return err
		}
		n, err := d.uploadFile(ctx, path, info, folderID, 1, progress)
		sent += n
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		return nil
	})
	return sent, err
}

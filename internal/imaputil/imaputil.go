// Package imaputil implements the drive transport on a live IMAP session.
// Mailbox names cross the wire in modified UTF-7; the client library
// encodes and decodes them, so everything here works with decoded names.
package imaputil

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/pepperpark/maildrive/internal/drive"
)

func init() {
	// Header decoding for envelopes and message parts. Without this,
	// subjects in legacy charsets come back undecoded.
	imap.CharsetReader = charset.Reader
}

// Config carries everything needed to open one session.
type Config struct {
	Host     string
	Port     int
	Address  string // login user, also used as From/To on stored messages
	Password string
	StartTLS bool        // plain connect upgraded with STARTTLS instead of implicit TLS
	TLS      *tls.Config // optional; nil means library defaults
	Debug    io.Writer   // raw wire log when non-nil
}

// Client is one logged-in IMAP session. It remembers the selected folder
// so sequential fetches from the same folder skip redundant SELECTs.
// A Client is not safe for concurrent use; the engine serializes calls
// per session.
type Client struct {
	c        *client.Client
	addr     string
	delim    string
	selected string
	readonly bool
}

// DialAndLogin connects, logs in, and discovers the server's hierarchy
// delimiter. The caller owns the returned session and must Close it.
func DialAndLogin(ctx context.Context, cfg Config) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var c *client.Client
	var err error
	if cfg.StartTLS {
		// Plain connection, then upgrade with STARTTLS
		c, err = client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(cfg.TLS); err != nil {
			_ = c.Logout()
			return nil, err
		}
	} else {
		c, err = client.DialTLS(addr, cfg.TLS)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Debug != nil {
		c.SetDebug(cfg.Debug)
	}
	if err := c.Login(cfg.Address, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("login %s: %w", cfg.Address, err)
	}
	delim, err := discoverDelimiter(c)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("discover delimiter: %w", err)
	}
	return &Client{c: c, addr: cfg.Address, delim: delim}, nil
}

// discoverDelimiter asks the server for its hierarchy separator with a
// LIST of the root. Servers that report none get "/".
func discoverDelimiter(c *client.Client) (string, error) {
	ch := make(chan *imap.MailboxInfo, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "", ch)
		close(done)
	}()
	delim := ""
	for m := range ch {
		if m != nil && m.Delimiter != "" {
			delim = m.Delimiter
		}
	}
	if err := <-done; err != nil {
		return "", err
	}
	if delim == "" {
		delim = "/"
	}
	return delim, nil
}

func (s *Client) Delimiter() string { return s.delim }

// Close logs the session out.
func (s *Client) Close() error { return s.c.Logout() }

// ListFolders returns every folder strictly under parent, at any depth.
// An empty parent returns all folders.
func (s *Client) ListFolders(ctx context.Context, parent string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	if parent == "" {
		return all, nil
	}
	prefix := parent + s.delim
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Client) listAll() ([]string, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", ch)
		close(done)
	}()
	var names []string
	for m := range ch {
		if m != nil {
			names = append(names, m.Name)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return names, nil
}

// CreateFolder creates a folder and any missing ancestors, one level at a
// time. Some servers create intermediates implicitly, others do not.
func (s *Client) CreateFolder(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, err := s.listAll()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	segs := strings.Split(folder, s.delim)
	for i := range segs {
		name := strings.Join(segs[:i+1], s.delim)
		if have[name] {
			continue
		}
		if err := s.c.Create(name); err != nil {
			// A concurrent writer may have won the race; creation only
			// failed for real if the folder still does not exist.
			if exists, lerr := s.folderExists(name); lerr == nil && exists {
				continue
			}
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	return nil
}

func (s *Client) folderExists(folder string) (bool, error) {
	all, err := s.listAll()
	if err != nil {
		return false, err
	}
	for _, name := range all {
		if name == folder {
			return true, nil
		}
	}
	return false, nil
}

// ListMessages fetches envelope, internal date, and body structure for
// every message in folder, in mailbox order. Sizes come from body
// structure arithmetic, not from fetching payloads.
func (s *Client) ListMessages(ctx context.Context, folder string) ([]drive.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status, err := s.c.Select(folder, true)
	if err != nil {
		s.selected = ""
		if exists, lerr := s.folderExists(folder); lerr == nil && !exists {
			return nil, fmt.Errorf("select %s: %w", folder, drive.ErrNoFolder)
		}
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected, s.readonly = folder, true
	if status.Messages == 0 {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	seq.AddRange(1, status.Messages)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchBodyStructure, imap.FetchUid}
	msgs, err := drainFetch(func(ch chan *imap.Message) error {
		return s.c.Fetch(seq, items, ch)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", folder, err)
	}

	out := make([]drive.Message, 0, len(msgs))
	for _, m := range msgs {
		subject := ""
		if m.Envelope != nil {
			subject = m.Envelope.Subject
		}
		out = append(out, drive.Message{
			ID:      m.Uid,
			Subject: subject,
			Date:    m.InternalDate,
			Size:    payloadSize(m.BodyStructure),
		})
	}
	return out, nil
}

// FetchPayload downloads one message and returns its decoded attachment
// payload.
func (s *Client) FetchPayload(ctx context.Context, folder string, id uint32) ([]byte, error) {
	raw, err := s.fetchLiteral(ctx, folder, id)
	if err != nil {
		return nil, err
	}
	return extractPayload(raw)
}

// FetchRaw downloads the full RFC 822 bytes of one message.
func (s *Client) FetchRaw(ctx context.Context, folder string, id uint32) ([]byte, error) {
	return s.fetchLiteral(ctx, folder, id)
}

func (s *Client) fetchLiteral(ctx context.Context, folder string, id uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.selectFolder(folder, true); err != nil {
		return nil, err
	}
	seq := new(imap.SeqSet)
	seq.AddNum(id)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	msgs, err := drainFetch(func(ch chan *imap.Message) error {
		return s.c.UidFetch(seq, items, ch)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not found in %s", id, folder)
	}
	lit := msgs[0].GetBody(section)
	if lit == nil {
		return nil, fmt.Errorf("message %d has no body", id)
	}
	raw, err := io.ReadAll(lit)
	if err != nil {
		return nil, fmt.Errorf("read message %d: %w", id, err)
	}
	return raw, nil
}

// SendMessage builds a MIME message carrying payload as its single
// attachment and appends it, flagged read so the mailbox's unread count
// stays quiet.
func (s *Client) SendMessage(ctx context.Context, folder, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	raw, err := buildMessage(s.addr, subject, payload, now)
	if err != nil {
		return err
	}
	flags := []string{imap.SeenFlag}
	if err := s.c.Append(folder, flags, now, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("append %s: %w", folder, err)
	}
	return nil
}

// AppendRaw stores a pre-built message verbatim, keeping its Date header
// as the internal date when it has one.
func (s *Client) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.Append(folder, nil, messageDate(raw), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("append %s: %w", folder, err)
	}
	return nil
}

// messageDate reads the Date header of a raw message, falling back to the
// current time when it is absent or unparseable.
func messageDate(raw []byte) time.Time {
	if m, err := netmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		if dh := m.Header.Get("Date"); dh != "" {
			if t, err := netmail.ParseDate(dh); err == nil {
				return t
			}
		}
	}
	return time.Now()
}

// DeleteMessage flags one message deleted and expunges the folder. UIDs
// are stable across the expunge, so callers can keep deleting from the
// same listing.
func (s *Client) DeleteMessage(ctx context.Context, folder string, id uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.selectFolder(folder, false); err != nil {
		return err
	}
	seq := new(imap.SeqSet)
	seq.AddNum(id)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(seq, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag message %d deleted: %w", id, err)
	}
	if err := s.c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge %s: %w", folder, err)
	}
	return nil
}

// selectFolder selects folder unless it is already selected with a
// sufficient mode. Read-write selection satisfies a read-only need.
func (s *Client) selectFolder(folder string, readonly bool) error {
	if s.selected == folder && (readonly || !s.readonly) {
		return nil
	}
	if _, err := s.c.Select(folder, readonly); err != nil {
		s.selected = ""
		if exists, lerr := s.folderExists(folder); lerr == nil && !exists {
			return fmt.Errorf("select %s: %w", folder, drive.ErrNoFolder)
		}
		return fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected, s.readonly = folder, readonly
	return nil
}

// drainFetch runs one fetch command and drains its message channel. The
// channel must be fully read before the command's error is meaningful.
func drainFetch(run func(chan *imap.Message) error) ([]*imap.Message, error) {
	ch := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- run(ch)
		close(done)
	}()
	var out []*imap.Message
	for m := range ch {
		if m != nil {
			out = append(out, m)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return out, nil
}

// buildMessage assembles the stored form of one part: a multipart message
// whose single attachment carries the payload, named after the subject so
// mail clients show which part a message holds.
func buildMessage(addr, subject string, payload []byte, date time.Time) ([]byte, error) {
	var b bytes.Buffer
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(subject)
	if addr != "" {
		h.Set("From", addr)
		h.Set("To", addr)
	}
	mw, err := mail.CreateWriter(&b, h)
	if err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "application/octet-stream")
	ah.SetFilename(subject)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("build attachment: %w", err)
	}
	if _, err := aw.Write(payload); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("close attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return b.Bytes(), nil
}

// extractPayload pulls the decoded bytes of the first attachment out of a
// raw message. Messages without attachments fall back to the first inline
// part, which covers parts stored by older tools as plain bodies.
func extractPayload(raw []byte) ([]byte, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	var inline []byte
	haveInline := false
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse message part: %w", err)
		}
		switch p.Header.(type) {
		case *mail.AttachmentHeader:
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read attachment: %w", err)
			}
			return b, nil
		case *mail.InlineHeader:
			if !haveInline {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, fmt.Errorf("read body: %w", err)
				}
				inline, haveInline = b, true
			}
		}
	}
	if haveInline {
		return inline, nil
	}
	return nil, fmt.Errorf("message has no attachment")
}

// payloadSize estimates the decoded payload bytes of a message from its
// body structure. Base64 sizes overestimate by up to two padding bytes
// per part.
func payloadSize(bs *imap.BodyStructure) int64 {
	if bs == nil {
		return 0
	}
	if len(bs.Parts) > 0 {
		var n int64
		for _, p := range bs.Parts {
			n += payloadSize(p)
		}
		return n
	}
	if strings.EqualFold(bs.MIMEType, "multipart") {
		return 0
	}
	n := int64(bs.Size)
	if strings.EqualFold(bs.Encoding, "base64") {
		n = n / 4 * 3
	}
	return n
}

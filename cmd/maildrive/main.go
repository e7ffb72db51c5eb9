package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	gologme "github.com/gologme/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/maildrive/internal/chunk"
	"github.com/pepperpark/maildrive/internal/config"
	"github.com/pepperpark/maildrive/internal/drive"
	"github.com/pepperpark/maildrive/internal/imaputil"
	"github.com/pepperpark/maildrive/internal/vpath"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	credentials string
	folder      string
	recurse     bool
	maxDepth    int
	debug       bool
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maildrive",
		Short: "Maildrive - store files as mail messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}

	g := &globalOptions{}
	rootCmd.PersistentFlags().StringVarP(&g.credentials, "credentials", "c", "", "Path of the credentials file (default ./credentials.toml, then the user config dir)")
	rootCmd.PersistentFlags().StringVarP(&g.folder, "folder", "f", "", "Virtual folder remote paths are relative to")
	rootCmd.PersistentFlags().BoolVarP(&g.recurse, "recurse", "r", false, "Recurse into subfolders when listing")
	rootCmd.PersistentFlags().IntVar(&g.maxDepth, "max-depth", 0, "Subfolder levels to expand with --recurse; negative means no limit")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logs and the raw IMAP wire log")

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("maildrive %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	rootCmd.AddCommand(
		newListCmd(g),
		newDownloadCmd(g),
		newUploadCmd(g),
		newRemoveCmd(g),
		newListFoldersCmd(g),
		newExportCmd(g),
		newRestoreCmd(g),
	)
	return rootCmd
}

// connection bundles what every command needs once dialed in.
type connection struct {
	cfg      *config.Config
	drv      *drive.Drive
	sessions []drive.Transport
	log      *gologme.Logger
}

func (c *connection) close() {
	for _, s := range c.sessions {
		_ = s.Close()
	}
}

// connect loads the credentials, prompts for a missing password, dials the
// sessions, and builds the drive. Parallel commands get cfg.Connections
// sessions; everything else gets one.
func connect(ctx context.Context, g *globalOptions, parallel bool) (*connection, error) {
	cfg, err := config.Load(g.credentials)
	if err != nil {
		return nil, err
	}
	logger := newLogger(g.debug)

	password := cfg.Password
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Address)
		b, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return nil, fmt.Errorf("read password: %w", perr)
		}
		password = string(b)
	}

	icfg := imaputil.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Address:  cfg.Address,
		Password: password,
		StartTLS: cfg.StartTLS,
	}
	if cfg.Insecure {
		icfg.TLS = &tls.Config{InsecureSkipVerify: true}
	}
	if g.debug {
		icfg.Debug = os.Stderr
	}

	n := 1
	if parallel {
		n = cfg.Connections
	}
	sessions := make([]drive.Transport, 0, n)
	for i := 0; i < n; i++ {
		s, err := imaputil.DialAndLogin(ctx, icfg)
		if err != nil {
			for _, open := range sessions {
				_ = open.Close()
			}
			return nil, fmt.Errorf("connect %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		sessions = append(sessions, s)
	}
	conn := &connection{cfg: cfg, sessions: sessions, log: logger}

	// On cancel, force-close the sessions to unblock ongoing I/O.
	go func() {
		<-ctx.Done()
		conn.close()
	}()

	delim := sessions[0].Delimiter()
	mapper, err := vpath.NewMapper(cfg.Folder, delim)
	if err != nil {
		conn.close()
		return nil, err
	}
	conn.drv = drive.New(mapper, sessions, cfg.PartSize, logger)
	logger.Debugf("connected to %s:%d as %s (%d session(s), delimiter %q)", cfg.Host, cfg.Port, cfg.Address, len(sessions), delim)
	return conn, nil
}

func newLogger(debug bool) *gologme.Logger {
	cyan := color.New(color.FgCyan).SprintfFunc()
	l := gologme.New(os.Stderr, fmt.Sprintf("[ %s ] ", cyan("maildrive")), gologme.LstdFlags|gologme.Lmsgprefix)
	l.EnableLevel("error")
	l.EnableLevel("warn")
	l.EnableLevel("info")
	if debug {
		l.EnableLevel("debug")
	}
	return l
}

// remotePath joins the global folder prefix with a command's path
// argument; both use / regardless of the server's delimiter.
func remotePath(g *globalOptions, arg string) []string {
	return append(vpath.SplitPath(g.folder), vpath.SplitPath(arg)...)
}

// splitRemoteFile resolves a remote file argument into its containing
// virtual folder and file name.
func splitRemoteFile(g *globalOptions, remote string) ([]string, string, error) {
	segs := remotePath(g, remote)
	if len(segs) == 0 {
		return nil, "", fmt.Errorf("missing remote file name")
	}
	return segs[:len(segs)-1], segs[len(segs)-1], nil
}

func displayRemote(folder []string, name string) string {
	segs := append(append([]string{}, folder...), name)
	return "/" + vpath.JoinPath(segs)
}

// runProgress runs op in the background and reports its progress, with a
// TUI when stdout is a terminal and the operation has more than one step.
func runProgress(ctx context.Context, title string, total int, op func(ctx context.Context, progress chan<- int) error) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	progress := make(chan int, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(progress)
		defer close(errc)
		errc <- op(cctx, progress)
	}()
	if total > 1 && term.IsTerminal(int(os.Stdout.Fd())) {
		return runCountTUI(title, total, cancel, progress, errc)
	}
	for range progress {
	}
	return <-errc
}

func newListCmd(g *globalOptions) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "list [remote-folder]",
		Aliases: []string{"ls"},
		Short:   "List the files of a virtual folder",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			return runList(cmd, g, long, arg)
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Long format: parts, size, and date per file")
	return cmd
}

func runList(cmd *cobra.Command, g *globalOptions, long bool, arg string) error {
	ctx := cmd.Context()
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	entries, err := conn.drv.List(ctx, remotePath(g, arg), g.recurse, g.maxDepth)
	if err != nil {
		return err
	}
	printEntries(cmd.OutOrStdout(), conn.log, entries, long)
	return nil
}

func printEntries(out io.Writer, log *gologme.Logger, entries []drive.Entry, long bool) {
	if !long {
		for _, e := range entries {
			if e.IsDir {
				fmt.Fprintf(out, "%s/\n", e.Path)
				continue
			}
			if !e.Valid {
				log.Warnf("%s: %s", e.Path, e.Problem)
			}
			fmt.Fprintln(out, e.Path)
		}
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(w, "-\t-\t-\t%s/\n", e.Path)
			continue
		}
		problem := ""
		if !e.Valid {
			problem = "  ! " + e.Problem
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s%s\n", e.Parts, humanBytes(e.Size), e.Date.Format("2006-01-02 15:04"), e.Path, problem)
	}
	w.Flush()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newDownloadCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "download <remote-file> <local-path>",
		Aliases: []string{"d"},
		Short:   "Download a file, reassembling its parts",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, g, args[0], args[1])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runDownload(cmd *cobra.Command, g *globalOptions, remote, local string) error {
	ctx := cmd.Context()
	folder, name, err := splitRemoteFile(g, remote)
	if err != nil {
		return err
	}
	if fi, serr := os.Stat(local); serr == nil && fi.IsDir() {
		local = filepath.Join(local, name)
	}
	if _, serr := os.Stat(local); serr == nil {
		return fmt.Errorf("%s already exists", local)
	}
	conn, err := connect(ctx, g, true)
	if err != nil {
		return err
	}
	defer conn.close()

	entry, err := conn.drv.Stat(ctx, folder, name)
	if err != nil {
		return err
	}

	var data []byte
	err = runProgress(ctx, "Download", entry.Parts, func(ctx context.Context, progress chan<- int) error {
		b, derr := conn.drv.Download(ctx, folder, name, progress)
		if derr != nil {
			return derr
		}
		data = b
		return nil
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(local, data); err != nil {
		return err
	}
	conn.log.Infof("downloaded %s to %s (%d bytes)", displayRemote(folder, name), local, len(data))
	return nil
}

// writeFileAtomic writes data next to its destination and renames it into
// place, so a failed write never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newUploadCmd(g *globalOptions) *cobra.Command {
	var startPart int
	cmd := &cobra.Command{
		Use:     "upload <local-path>",
		Aliases: []string{"u"},
		Short:   "Upload a file or a directory tree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, g, startPart, args[0])
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().IntVar(&startPart, "start-part", 1, "Resume a single-file upload at this 1-based part")
	return cmd
}

func runUpload(cmd *cobra.Command, g *globalOptions, startPart int, local string) error {
	ctx := cmd.Context()
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	total, err := countUploadParts(local, conn.cfg.PartSize, startPart)
	if err != nil {
		return err
	}
	folder := remotePath(g, "")
	return runProgress(ctx, "Upload", total, func(ctx context.Context, progress chan<- int) error {
		sent, uerr := conn.drv.Upload(ctx, local, folder, startPart, progress)
		if uerr != nil {
			return uerr
		}
		conn.log.Infof("uploaded %s (%d part(s))", local, sent)
		return nil
	})
}

// countUploadParts sizes the progress bar before an upload starts.
func countUploadParts(local string, partSize int64, startPart int) (int, error) {
	info, err := os.Stat(local)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		total := chunk.PartCount(info.Size(), partSize)
		if startPart > 1 {
			total -= startPart - 1
			if total < 0 {
				total = 0
			}
		}
		return total, nil
	}
	total := 0
	err = filepath.WalkDir(local, func(path string, de fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}
		fi, ierr := de.Info()
		if ierr != nil {
			return ierr
		}
		total += chunk.PartCount(fi.Size(), partSize)
		return nil
	})
	return total, err
}

func newRemoveCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <remote-file>",
		Aliases: []string{"rm"},
		Short:   "Delete every part message of a file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, g, args[0])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runRemove(cmd *cobra.Command, g *globalOptions, remote string) error {
	ctx := cmd.Context()
	folder, name, err := splitRemoteFile(g, remote)
	if err != nil {
		return err
	}
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	entry, err := conn.drv.Stat(ctx, folder, name)
	if err != nil {
		return err
	}
	return runProgress(ctx, "Remove", entry.Parts, func(ctx context.Context, progress chan<- int) error {
		_, rerr := conn.drv.Remove(ctx, folder, name, progress)
		return rerr
	})
}

func newListFoldersCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list-folders",
		Aliases: []string{"lsf"},
		Short:   "List every virtual folder of the drive",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListFolders(cmd, g)
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runListFolders(cmd *cobra.Command, g *globalOptions) error {
	ctx := cmd.Context()
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	folders, err := conn.drv.Folders(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, segs := range folders {
		fmt.Fprintf(out, "/%s\n", vpath.JoinPath(segs))
	}
	return nil
}

func newExportCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <remote-folder> <local.mbox>",
		Short: "Export a virtual folder's raw messages to an mbox archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, g, args[0], args[1])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runExport(cmd *cobra.Command, g *globalOptions, remote, local string) error {
	ctx := cmd.Context()
	folder := remotePath(g, remote)
	if _, serr := os.Stat(local); serr == nil {
		return fmt.Errorf("%s already exists", local)
	}
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	total, err := conn.drv.Count(ctx, folder)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), filepath.Base(local)+".tmp-*")
	if err != nil {
		return err
	}
	var written int
	err = runProgress(ctx, "Export", total, func(ctx context.Context, progress chan<- int) error {
		n, eerr := conn.drv.Export(ctx, folder, tmp, progress)
		written = n
		return eerr
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), local)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	conn.log.Infof("exported %d message(s) to %s", written, local)
	return nil
}

func newRestoreCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <local.mbox> <remote-folder>",
		Short: "Append an mbox archive's messages into a virtual folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, g, args[0], args[1])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runRestore(cmd *cobra.Command, g *globalOptions, local, remote string) error {
	ctx := cmd.Context()
	folder := remotePath(g, remote)
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	total, err := countMboxMessages(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	conn, err := connect(ctx, g, false)
	if err != nil {
		return err
	}
	defer conn.close()

	var restored int
	err = runProgress(ctx, "Restore", total, func(ctx context.Context, progress chan<- int) error {
		n, rerr := conn.drv.Restore(ctx, f, folder, progress)
		restored = n
		return rerr
	})
	if err != nil {
		return err
	}
	conn.log.Infof("restored %d message(s) from %s", restored, local)
	return nil
}

// countMboxMessages counts the From separator lines of an mbox file.
func countMboxMessages(r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	count := 0
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if strings.HasPrefix(line, "From ") {
			count++
		}
	}
	return count, nil
}

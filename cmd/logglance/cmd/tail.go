package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/app"
	"github.com/corey/logglance/internal/domain/search"
	"github.com/corey/logglance/internal/ports"
)

var (
	tailLines      int
	tailFollow     bool
	tailEncoding   string
	tailFilter     string
	tailRegex      bool
	tailIgnoreCase bool
	tailPolling    bool
	tailColor      string
)

var tailCmd = &cobra.Command{
	Use:   "tail [flags] <file ...>",
	Short: "Print the last lines of log files and follow them",
	Long:  "Prints the last lines of each file, decoded from its detected encoding. With -f, keeps printing lines as they are appended and reports truncation, rotation and read errors.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTail,
}

func init() {
	f := tailCmd.Flags()
	f.IntVarP(&tailLines, "lines", "n", 10, "Number of trailing lines to print")
	f.BoolVarP(&tailFollow, "follow", "f", false, "Keep printing appended lines")
	f.StringVar(&tailEncoding, "encoding", "", "Decode with this encoding instead of detecting it")
	f.StringVar(&tailFilter, "filter", "", "Print only lines containing this pattern")
	f.BoolVarP(&tailRegex, "extended-regexp", "E", false, "Treat --filter as a regular expression")
	f.BoolVarP(&tailIgnoreCase, "ignore-case", "i", false, "Case insensitive --filter")
	f.BoolVar(&tailPolling, "poll", false, "Poll for changes instead of using filesystem events")
	f.StringVar(&tailColor, "color", "auto", "Color output: auto, always, never")
}

// printer writes lines of several files, tail style: a header whenever the
// file changes, and only lines the filter accepts.
type printer struct {
	w       io.Writer
	color   bool
	headers bool
	match   search.Matcher
	last    string
	names   map[string]string // canonical path -> name as given
	printed map[string]int    // terminated lines already printed, per file
}

func (p *printer) lines(h *app.Handle, from, to int) {
	if from >= to {
		return
	}
	for _, l := range h.Index.Range(from, to) {
		if p.match != nil && !p.match.Match(l.Text) {
			continue
		}
		p.header(h.Path)
		fmt.Fprintln(p.w, l.Text)
	}
	p.printed[h.Path] = to
}

func (p *printer) header(path string) {
	if !p.headers || p.last == path {
		return
	}
	if p.last != "" {
		fmt.Fprintln(p.w)
	}
	fmt.Fprintln(p.w, formatHeader(p.name(path), p.color))
	p.last = path
}

func (p *printer) name(path string) string {
	if n, ok := p.names[path]; ok {
		return n
	}
	return path
}

func (p *printer) notice(path, msg string) {
	fmt.Fprintln(os.Stderr, paint(p.color, colorYellow, fmt.Sprintf("logglance: %s: %s", p.name(path), msg)))
}

// handle reacts to one supervisor notification.
func (p *printer) handle(h *app.Handle, n ports.Notification) {
	switch n.Kind {
	case ports.KindGrew:
		p.lines(h, p.printed[h.Path], h.Index.Terminated())
	case ports.KindReset:
		p.notice(h.Path, "file truncated or replaced")
		if n.Lines < p.printed[h.Path] {
			p.printed[h.Path] = min(n.Lines, h.Index.Terminated())
		}
		p.lines(h, p.printed[h.Path], h.Index.Terminated())
	case ports.KindError:
		p.notice(h.Path, fmt.Sprintf("%v", n.Err))
	case ports.KindRecovered:
		p.notice(h.Path, "readable again")
		p.lines(h, p.printed[h.Path], h.Index.Terminated())
	}
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &printer{
		w:       cmd.OutOrStdout(),
		color:   resolveColor(tailColor),
		headers: len(args) > 1,
		names:   make(map[string]string, len(args)),
		printed: make(map[string]int),
	}
	if tailFilter != "" {
		c, err := search.Compile(search.Query{Pattern: tailFilter, Regex: tailRegex, CaseSensitive: !tailIgnoreCase})
		if err != nil {
			return err
		}
		p.match = c.NewMatcher()
	}

	a, handles, err := openApp(ctx, cfg.StateDB, tailPolling, args)
	if err != nil {
		return err
	}
	defer a.Stop()

	byPath := make(map[string]*app.Handle, len(handles))
	for i, h := range handles {
		byPath[h.Path] = h
		p.names[h.Path] = args[i]
		if tailEncoding != "" {
			if err := a.Supervisor.SetEncoding(h.Path, tailEncoding); err != nil {
				return err
			}
		}
	}

	for _, h := range handles {
		if _, err := waitIngested(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.notice(h.Path, err.Error())
			continue
		}
		// The unterminated last line is printed only when not following,
		// since it may still grow.
		end := h.Index.Terminated()
		if !tailFollow {
			end = h.Index.Len()
		}
		p.lines(h, max(0, end-tailLines), end)
	}

	if !tailFollow {
		return nil
	}
	return follow(ctx, a, p, byPath)
}

func follow(ctx context.Context, a *app.App, p *printer, handles map[string]*app.Handle) error {
	notes := a.Supervisor.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if h, ok := handles[n.Path]; ok {
				p.handle(h, n)
			}
		}
	}
}

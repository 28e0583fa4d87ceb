package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/app"
	"github.com/corey/logglance/internal/domain/search"
)

var (
	grepUseRegex     bool
	grepCaseInsens   bool
	grepCountOnly    bool
	grepLineNumber   bool
	grepQuiet        bool
	grepWithFilename bool
	grepNoFilename   bool
	grepEncoding     string
	grepColor        string
	grepStats        bool
)

var grepCmd = &cobra.Command{
	Use:           "grep [flags] <pattern> <file ...>",
	Short:         "Search log files of any encoding",
	Long:          "Indexes each file, decoding it from its detected encoding, and prints the matching lines. Exit status is 0 if a line matched, 1 if none did, 2 on error.",
	Args:          cobra.MinimumNArgs(2),
	RunE:          runGrep,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	f := grepCmd.Flags()
	f.BoolVarP(&grepUseRegex, "extended-regexp", "E", false, "Use regular expression syntax (RE2)")
	f.BoolVarP(&grepCaseInsens, "ignore-case", "i", false, "Case insensitive")
	f.BoolVarP(&grepCountOnly, "count", "c", false, "Print only a count of matching lines per file")
	f.BoolVarP(&grepLineNumber, "line-number", "n", false, "Show line numbers")
	f.BoolVarP(&grepQuiet, "quiet", "q", false, "Quiet mode (exit code only)")
	f.BoolVarP(&grepWithFilename, "with-filename", "H", false, "Force filename prefix")
	f.BoolVar(&grepNoFilename, "no-filename", false, "Suppress filename prefix")
	f.StringVar(&grepEncoding, "encoding", "", "Decode with this encoding instead of detecting it")
	f.StringVar(&grepColor, "color", "auto", "Color output: auto, always, never")
	f.BoolVar(&grepStats, "stats", false, "Print each file's encoding and index size to stderr")
}

func runGrep(cmd *cobra.Command, args []string) error {
	q := search.Query{Pattern: args[0], Regex: grepUseRegex, CaseSensitive: !grepCaseInsens}
	if _, err := search.Compile(q); err != nil {
		fmt.Fprintf(os.Stderr, "grep: %v\n", err)
		return grepExit{2}
	}

	ctx := cmd.Context()
	a, handles, err := openApp(ctx, "", false, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "grep: %v\n", err)
		return grepExit{2}
	}
	defer a.Stop()

	withPath := (len(handles) > 1 || grepWithFilename) && !grepNoFilename
	color := resolveColor(grepColor)
	out := cmd.OutOrStdout()

	matched, failed := false, false
	for i, h := range handles {
		n, err := grepFile(ctx, a, h, q, out, args[1+i], withPath, color)
		if err != nil {
			fmt.Fprintf(os.Stderr, "grep: %v\n", err)
			failed = true
			continue
		}
		if n > 0 {
			matched = true
			if grepQuiet {
				return nil
			}
		}
	}

	switch {
	case failed:
		return grepExit{2}
	case !matched:
		return grepExit{1}
	}
	return nil
}

// grepFile waits for h to be indexed, runs q over it and prints the result.
// Returns the match count.
func grepFile(ctx context.Context, a *app.App, h *app.Handle, q search.Query, w io.Writer, name string, withPath, color bool) (int, error) {
	if grepEncoding != "" {
		if err := a.Supervisor.SetEncoding(h.Path, grepEncoding); err != nil {
			return 0, err
		}
	}
	st, err := waitIngested(ctx, h)
	if err != nil {
		return 0, err
	}
	if grepStats {
		fmt.Fprintln(os.Stderr, formatStatus(st, color))
	}

	gen, err := h.Submit(q)
	if err != nil {
		return 0, err
	}
	res, err := awaitResult(ctx, h, gen)
	if err != nil {
		return 0, err
	}

	if grepQuiet {
		return len(res.Lines), nil
	}
	if grepCountOnly {
		if withPath {
			fmt.Fprintf(w, "%s:", paint(color, colorMagenta, name))
		}
		fmt.Fprintln(w, len(res.Lines))
		return len(res.Lines), nil
	}
	for _, n := range res.Lines {
		l, err := h.Index.Get(n)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, formatLine(name, n, l.Text, withPath, grepLineNumber, color))
	}
	return len(res.Lines), nil
}

// awaitResult polls generation gen until its first complete result.
func awaitResult(ctx context.Context, h *app.Handle, gen uint64) (search.Result, error) {
	ticker := time.NewTicker(ingestPoll)
	defer ticker.Stop()
	for {
		res, st, err := h.Poll(gen)
		if err != nil {
			return res, err
		}
		switch st {
		case search.StatusReady:
			return res, nil
		case search.StatusSuperseded, search.StatusUnknown:
			return res, errors.New("search superseded")
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

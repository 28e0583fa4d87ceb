package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/corey/logglance/internal/app"
)

// ANSI color codes for terminal output.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorCyan    = "\033[36m"
	colorMagenta = "\033[35m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorRed     = "\033[31m"
	colorGray    = "\033[90m"
)

// isStdoutTTY returns true if stdout is connected to a terminal.
func isStdoutTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// resolveColor determines whether to use color output.
// colorFlag is the --color value: "auto", "always", or "never".
func resolveColor(colorFlag string) bool {
	switch colorFlag {
	case "always":
		return true
	case "never":
		return false
	default: // "auto"
		return isStdoutTTY()
	}
}

func paint(on bool, color, s string) string {
	if !on {
		return s
	}
	return color + s + colorReset
}

// formatHeader renders the tail-style banner printed before a file's lines.
func formatHeader(path string, color bool) string {
	return paint(color, colorBold, "==> "+path+" <==")
}

// formatLine renders one indexed line, optionally prefixed with its
// file and 1-based line number.
func formatLine(path string, n int, text string, withPath, withNumber, color bool) string {
	var sb strings.Builder
	if withPath {
		sb.WriteString(paint(color, colorMagenta, path))
		sb.WriteString(paint(color, colorCyan, ":"))
	}
	if withNumber {
		sb.WriteString(paint(color, colorGreen, fmt.Sprint(n+1)))
		sb.WriteString(paint(color, colorCyan, ":"))
	}
	sb.WriteString(text)
	return sb.String()
}

// formatStatus summarizes one tracked file.
//
//	app.log  UTF-8 (utf8, 100%)  12.3 MiB  48,213 lines  idle
func formatStatus(st app.FileStatus, color bool) string {
	enc := fmt.Sprintf("%s (%s, %d%%)", st.Encoding, st.Source, st.Confidence)
	if st.Ambiguous {
		enc += " ambiguous"
	}
	state := st.State
	switch state {
	case "error":
		state = paint(color, colorRed, state)
	case "idle":
		state = paint(color, colorGreen, state)
	default:
		state = paint(color, colorYellow, state)
	}
	line := fmt.Sprintf("%s  %s  %s  %s lines  %s",
		paint(color, colorBold, st.Path), enc,
		humanize.IBytes(uint64(st.Size-st.Start)), humanize.Comma(int64(st.Lines)), state)
	if st.Stats.LossyLines > 0 {
		line += paint(color, colorGray, fmt.Sprintf("  %s lossy", humanize.Comma(int64(st.Stats.LossyLines))))
	}
	if st.Err != nil {
		line += paint(color, colorGray, fmt.Sprintf("  (%v)", st.Err))
	}
	return line
}

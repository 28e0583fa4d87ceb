package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/domain/encoding"
)

var detectCmd = &cobra.Command{
	Use:   "detect <file ...>",
	Short: "Report the detected encoding of files",
	Long:  "Samples the start of each file and prints the encoding LogGlance would decode it with, the rule that chose it and its confidence.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDetect,
}

func runDetect(cmd *cobra.Command, args []string) error {
	det := encoding.NewDetector(cfg.MinConfidence)
	out := cmd.OutOrStdout()
	var firstErr error
	for _, path := range args {
		d, n, err := detectFile(det, path, cfg.SampleBytes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "detect: %v\n", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Fprintln(out, formatDetection(path, d, n))
	}
	return firstErr
}

// detectFile runs det over the first sampleBytes of path. Returns the
// number of bytes sampled.
func detectFile(det *encoding.Detector, path string, sampleBytes int) (encoding.Detection, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return encoding.Detection{}, 0, err
	}
	defer f.Close()

	buf := make([]byte, sampleBytes)
	n, err := io.ReadFull(f, buf)
	complete := false
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		complete = true
	default:
		return encoding.Detection{}, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return det.Detect(buf[:n], complete), n, nil
}

//	app.log: windows-1252 (chardet, 61%) sampled 64 KiB
func formatDetection(path string, d encoding.Detection, sampled int) string {
	s := fmt.Sprintf("%s: %s (%s, %d%%)", path, d.Encoding.Name(), d.Source, d.Confidence)
	if d.BOMLen > 0 {
		s += fmt.Sprintf(" bom=%d", d.BOMLen)
	}
	if d.Ambiguous {
		s += " ambiguous"
		if d.Charset != "" {
			s += fmt.Sprintf(" best=%s", d.Charset)
		}
	}
	return s + " sampled " + humanize.IBytes(uint64(sampled))
}

// LogGlance follows and searches log files of any encoding.
// Headless front end to the ingestion engine: tail, grep, detect.
package main

import (
	"os"

	"github.com/corey/logglance/cmd/logglance/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if code := cmd.GrepExitCode(err); code >= 0 {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

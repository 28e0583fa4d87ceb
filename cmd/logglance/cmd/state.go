package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/adapters/bbolt"
	"github.com/corey/logglance/internal/app"
	"github.com/corey/logglance/internal/ports"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or clear persisted per-file state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every file with persisted state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateForgetCmd = &cobra.Command{
	Use:   "forget <file ...>",
	Short: "Drop persisted state, including forced encodings, for files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStateForget,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateForgetCmd)
}

var errNoStateDB = errors.New("persisted state is disabled (state_db is empty)")

// openStore opens the configured state database. A database that does not
// exist yet yields a nil store and no error.
func openStore() (*bbolt.Store, error) {
	if cfg.StateDB == "" {
		return nil, errNoStateDB
	}
	if _, err := os.Stat(cfg.StateDB); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return bbolt.NewStore(cfg.StateDB)
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil || store == nil {
		return err
	}
	defer store.Close()

	states, err := store.ListFileStates()
	if err != nil {
		return err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Path < states[j].Path })
	out := cmd.OutOrStdout()
	for _, st := range states {
		fmt.Fprintln(out, formatFileState(st))
	}
	return nil
}

//	/var/log/app.log  UTF-8 (forced)  offset 1.2 MiB  4,120 lines  3 minutes ago
func formatFileState(st *ports.FileState) string {
	enc := st.DetectedEncoding
	if st.ForcedEncoding != "" {
		enc = st.ForcedEncoding + " (forced)"
	}
	if enc == "" {
		enc = "-"
	}
	return fmt.Sprintf("%s  %s  offset %s  %s lines  %s",
		st.Path, enc, humanize.IBytes(uint64(st.Offset)),
		humanize.Comma(int64(st.Lines)), humanize.Time(st.UpdatedAt))
}

func runStateForget(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil || store == nil {
		return err
	}
	defer store.Close()

	for _, p := range args {
		path, err := app.Canonical(p)
		if err != nil {
			return err
		}
		if err := store.DeleteFileState(path); err != nil {
			return fmt.Errorf("forget %s: %w", path, err)
		}
	}
	return nil
}

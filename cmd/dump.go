package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/shelf/internal/collection"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Export all datasets with tags and comments to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		dump, err := s.Dump()
		if err != nil {
			return err
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(dump); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replay a dump into the site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var dump map[string][]collection.RestoreRecord
		if err := json.Unmarshal(raw, &dump); err != nil {
			return fmt.Errorf("decode dump %s: %w", args[0], err)
		}

		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Restore(dump)
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd, restoreCmd)
}

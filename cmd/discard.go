package cmd

import "github.com/spf13/cobra"

var discardCmd = &cobra.Command{
	Use:   "discard <setid> [setid ...]",
	Short: "Mark datasets as discarded, hiding them from listings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Discard(args, true)
	},
}

var undiscardCmd = &cobra.Command{
	Use:   "undiscard <setid> [setid ...]",
	Short: "Bring discarded datasets back into listings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Discard(args, false)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge discarded datasets and orphaned tags and relation values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Cleanup()
	},
}

func init() {
	rootCmd.AddCommand(discardCmd, undiscardCmd, cleanupCmd)
}

package cmd

import "github.com/spf13/cobra"

var scanDryRun bool

var scanCmd = &cobra.Command{
	Use:   "scan [collection ...]",
	Short: "Scan for new, changed, and missing dataset files",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Scan(args, scanDryRun)
	},
}

func init() {
	scanCmd.Flags().BoolVarP(&scanDryRun, "dry-run", "n", false, "Compute changes without writing")
	rootCmd.AddCommand(scanCmd)
}

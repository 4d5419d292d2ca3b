package cmd

import "github.com/spf13/cobra"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the site database and listing tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Init()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

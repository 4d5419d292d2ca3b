package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	tagAdd    []string
	tagRemove []string
)

var tagCmd = &cobra.Command{
	Use:   "tag <setid> [setid ...]",
	Short: "Add or remove tags on datasets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(tagAdd) == 0 && len(tagRemove) == 0 {
			return fmt.Errorf("nothing to do, use --add or --remove")
		}
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Tag(args, tagAdd, tagRemove)
	},
}

func init() {
	tagCmd.Flags().StringArrayVar(&tagAdd, "add", nil, "Tag to add (repeatable)")
	tagCmd.Flags().StringArrayVar(&tagRemove, "remove", nil, "Tag to remove (repeatable)")
	rootCmd.AddCommand(tagCmd)
}

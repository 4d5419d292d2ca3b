package cmd

import (
	"os"
	"os/user"

	"github.com/spf13/cobra"
)

var (
	commentAuthor  string
	commentMessage string
)

var commentCmd = &cobra.Command{
	Use:   "comment <setid> [setid ...]",
	Short: "Attach a comment to datasets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		author := commentAuthor
		if author == "" {
			if u, err := user.Current(); err == nil {
				author = u.Username
			} else {
				author = os.Getenv("USER")
			}
		}
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Comment(author, commentMessage, args)
	},
}

func init() {
	commentCmd.Flags().StringVar(&commentAuthor, "author", "", "Comment author (default: current user)")
	commentCmd.Flags().StringVarP(&commentMessage, "message", "m", "", "Comment text")
	_ = commentCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(commentCmd)
}

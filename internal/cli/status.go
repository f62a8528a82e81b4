package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusRefresh bool

var statusCmd = &cobra.Command{
	Use:   "status <branch>",
	Short: "Show the live state of a session's repositories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		status, err := e.ctl.Status(cmd.Context(), args[0], statusRefresh)
		if err != nil {
			return err
		}

		sess := status.Session
		fmt.Printf("session %s on %s (%s)\n", sess.ID, sess.Branch, sess.Status)
		for _, repo := range status.Repos {
			marker := " "
			if !repo.Aligned {
				marker = "!"
			}
			line := fmt.Sprintf("%s %-20s %-24s ahead %d", marker, repo.Name, repo.Branch, repo.Ahead)
			if repo.Dirty {
				line += " dirty"
			}
			if repo.ReviewID != "" {
				line += fmt.Sprintf(" review %s (%s)", repo.ReviewID, repo.ReviewState)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "re-query review-request state from the host")
	rootCmd.AddCommand(statusCmd)
}

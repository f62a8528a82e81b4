package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var switchCmd = &cobra.Command{
	Use:   "switch <branch> <repo> <repo-branch>",
	Short: "Point a linked repository at a branch other than the session's",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		lr, err := e.ctl.SwitchRepositoryBranch(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("%s now on %s\n", lr.Name, lr.Branch)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(switchCmd)
}

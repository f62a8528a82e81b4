package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retireForce bool

var retireCmd = &cobra.Command{
	Use:   "retire <branch>",
	Short: "Close a session, clean up its branches, and drop it from tracking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.ctl.Retire(cmd.Context(), args[0], retireForce); err != nil {
			return err
		}
		fmt.Printf("session for %s retired\n", args[0])
		return nil
	},
}

func init() {
	retireCmd.Flags().BoolVar(&retireForce, "force", false, "retire even with open review requests")
	rootCmd.AddCommand(retireCmd)
}

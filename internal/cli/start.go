package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <branch>",
	Short: "Start or resume the session for a logical branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		sess, err := e.ctl.StartOrResume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("session %s on %s (%d linked repositories)\n", sess.ID, sess.Branch, len(sess.Repos))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

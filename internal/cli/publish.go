package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/review"
)

var publishCmd = &cobra.Command{
	Use:   "publish <branch> <repo>",
	Short: "Push a linked repository's work and open its review request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		orch := review.New(e.store, e.ws, e.host)
		id, err := orch.Publish(cmd.Context(), args[0], args[1])
		if errors.Is(err, review.ErrNoChanges) {
			fmt.Printf("%s: nothing to publish\n", args[1])
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: review request %s\n", args[1], id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

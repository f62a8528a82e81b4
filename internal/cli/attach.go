package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var attachAll bool

var attachCmd = &cobra.Command{
	Use:   "attach <branch> [repo...]",
	Short: "Attach linked repositories to a session and align their branches",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		branch := args[0]
		names := args[1:]
		if attachAll {
			names, err = e.ws.Discover()
			if err != nil {
				return err
			}
		}
		if len(names) == 0 {
			return fmt.Errorf("no repositories given; name them or pass --all")
		}

		for _, name := range names {
			lr, err := e.ctl.AttachRepository(cmd.Context(), branch, name)
			if err != nil {
				return err
			}
			fmt.Printf("%s on %s (ahead %d)\n", lr.Name, lr.Branch, lr.Ahead)
		}
		return nil
	},
}

func init() {
	attachCmd.Flags().BoolVar(&attachAll, "all", false, "attach every discovered linked repository")
	rootCmd.AddCommand(attachCmd)
}

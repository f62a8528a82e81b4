package cli

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/audit"
)

var guardCmd = &cobra.Command{
	Use:   "guard <branch>",
	Short: "Decide whether the primary repository may merge",
	Long: `guard evaluates the merge-order rule for a session: the primary
repository's merge is blocked while any linked repository still has an open
review request on the same logical branch, unless the override label is
present on the primary review request. A blocked decision exits nonzero so
the command can gate merges in automation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		branch := args[0]
		decision, err := e.ctl.EvaluateGuard(cmd.Context(), branch)
		if err != nil {
			return err
		}

		if e.cfg.DatabaseURL != "" {
			auditLog, err := audit.Open(cmd.Context(), e.cfg.DatabaseURL)
			if err != nil {
				log.Printf("audit log unavailable: %v", err)
			} else {
				defer auditLog.Close()
				if err := auditLog.Record(cmd.Context(), branch, decision); err != nil {
					log.Printf("audit log write failed: %v", err)
				}
			}
		}

		for _, repo := range decision.Flagged {
			fmt.Printf("note: %s has a closed, unmerged review request\n", repo)
		}
		if decision.OverrideUsed {
			fmt.Println("allow (override marker present)")
			return nil
		}
		if decision.Allow {
			fmt.Println("allow")
			return nil
		}
		return fmt.Errorf("block: open review requests in %s", strings.Join(decision.Blocking, ", "))
	},
}

func init() {
	rootCmd.AddCommand(guardCmd)
}

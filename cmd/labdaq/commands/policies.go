package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect the plan policy gate",
	}

	cmd.AddCommand(newPoliciesListCommand())

	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.policies == nil {
				fmt.Println("policy gate is disabled")
				return nil
			}

			policies := rt.policies.ListPolicies()
			sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

			if jsonOutput {
				return printJSON(policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-16s  %-8s  %-8s  %s\n", p.Name, p.Severity, state, p.Description)
			}
			return nil
		},
	}
}

package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

func NewVariantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variants [list|view|rankings]",
		Short: "Model variants",
		Long:  `List the model population, view a variant and its layer rankings.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List variants",
		Long:  `List every variant with its lineage and loss history.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			vs, err := esdk.Variants()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, vs)
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view <id>",
		Short: "View variant",
		Long:  `View a variant including its weights.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			v, err := esdk.Variant(id)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, v)
		},
	}

	rankingsCmd := &cobra.Command{
		Use:   "rankings <id>",
		Short: "View layer rankings",
		Long:  `View the per-round layer gradient rankings of a variant.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			rs, err := esdk.VariantRankings(id)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, rs)
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(viewCmd)
	cmd.AddCommand(rankingsCmd)

	return cmd
}

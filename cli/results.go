package cli

import (
	"encoding/json"
	"os"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/spf13/cobra"
)

var useCBOR = false

func NewResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results [submit|test]",
		Short: "Submit executor results",
		Long:  `Submit training or test results read from JSON files.`,
	}

	submitCmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit training result",
		Long: `Submit a client training result read from a JSON file.
The file must carry the client_id and the round it was trained for.

Examples:
  # Submit a result as JSON
  evofed-cli results submit result.json

  # Submit the same result encoded as CBOR
  evofed-cli results submit result.json --cbor`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			var r fl.ClientResult
			if err := readJSON(args[0], &r); err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			submit := esdk.SubmitResult
			if useCBOR {
				submit = esdk.SubmitResultCBOR
			}
			status, err := submit(r)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, status)
		},
	}

	submitCmd.Flags().BoolVar(
		&useCBOR,
		"cbor",
		useCBOR,
		"Encode the result as CBOR",
	)

	testCmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Submit test result",
		Long:  `Submit a variant test result read from a JSON file.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			var r fl.TestResult
			if err := readJSON(args[0], &r); err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			if err := esdk.SubmitTestResult(r); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd)
		},
	}

	cmd.AddCommand(submitCmd)
	cmd.AddCommand(testCmd)

	return cmd
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

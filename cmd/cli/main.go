package main

import (
	"log"
	"os"

	"github.com/absmach/evofed/cli"
	"github.com/absmach/evofed/pkg/sdk"
	"github.com/spf13/cobra"
)

const (
	defCoordinatorURL     = "http://localhost:7070"
	defTLSVerification    = false
	envCoordinatorURLName = "EVOFED_COORDINATOR_URL"
)

func main() {
	var (
		coordinatorURL  = defCoordinatorURL
		tlsVerification = defTLSVerification
	)
	if u := os.Getenv(envCoordinatorURLName); u != "" {
		coordinatorURL = u
	}

	rootCmd := &cobra.Command{
		Use:   "evofed-cli",
		Short: "EvoFed CLI",
		Long:  `EvoFed CLI is a command line interface for inspecting and feeding an EvoFed coordinator.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			sdkConf := sdk.Config{
				CoordinatorURL:  coordinatorURL,
				TLSVerification: tlsVerification,
			}
			s := sdk.NewSDK(sdkConf)
			cli.SetSDK(s)
		},
	}

	rootCmd.PersistentFlags().StringVarP(
		&coordinatorURL,
		"coordinator-url",
		"u",
		coordinatorURL,
		"Coordinator URL, also read from "+envCoordinatorURLName,
	)
	rootCmd.PersistentFlags().BoolVar(
		&tlsVerification,
		"tls-verification",
		tlsVerification,
		"Verify the coordinator TLS certificate",
	)

	rootCmd.AddCommand(cli.NewRoundsCmd())
	rootCmd.AddCommand(cli.NewEvaluationsCmd())
	rootCmd.AddCommand(cli.NewVariantsCmd())
	rootCmd.AddCommand(cli.NewResultsCmd())
	rootCmd.AddCommand(cli.NewShutdownCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

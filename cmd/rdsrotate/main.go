package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/rdsrotate/cmd/rdsrotate/commands"
	"github.com/systmms/rdsrotate/internal/config"
	"github.com/systmms/rdsrotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "rdsrotate",
		Short: "Rotate database credentials stored in AWS Secrets Manager",
		Long: `rdsrotate advances a database credential through the Secrets Manager
rotation steps (createSecret, setSecret, testSecret, finishSecret).

Run it as the rotation Lambda with "rdsrotate lambda", or drive the steps
by hand with "step" and "rotate".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Debug = debug
			cfg.NoColor = noColor
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (optional)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewLambdaCommand(cfg),
		commands.NewStepCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewDoctorCommand(cfg),
	)

	return rootCmd.Execute()
}

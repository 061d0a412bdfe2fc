package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "sentracs",
	Short:         "S3NTRACS scans tenant AWS accounts and tracks finding remediation.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// structuredCommands run long enough that the fatal error path should emit
// structured logs instead of a bare line.
var structuredCommands = map[string]bool{
	"serve":   true,
	"worker":  true,
	"scan":    true,
	"migrate": true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structuredCommands[cmd.Name()],
		})
	}
	rootCmd.AddCommand(serveCmd, workerCmd, scanCmd, migrateCmd)
}

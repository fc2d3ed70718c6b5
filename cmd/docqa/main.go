package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "docqa",
	Short: "Ask questions about PDF documents",
	Long: `docqa answers questions about local PDF documents.

Questions are queued per document and answered one at a time by the
configured model. Answers are kept in each document's transcript.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the docqa version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docqa version %s\n", version)
	},
}

func main() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

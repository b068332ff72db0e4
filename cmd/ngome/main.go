// Ngome — sandboxed execution engine for untrusted LLM-generated code.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — sandboxed execution engine for untrusted LLM-generated code.",
	Long: `Ngome runs untrusted code snippets inside an isolated guest process.
The snippet can only reach the host through explicitly registered capabilities,
each call crossing a single validated stdio protocol checkpoint.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

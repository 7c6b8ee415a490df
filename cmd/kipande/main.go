// Kipande is a secure server-side shortcode snippet engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kipande",
	Short: "Secure server-side shortcode snippet engine",
	Long: `Kipande stores named code snippets and renders shortcode-style
invocations of them. Every snippet passes a static sanitizer before it
is saved, runs in a sandboxed interpreter under strict resource limits,
and every invocation leaves an audit trail.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, snippetCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

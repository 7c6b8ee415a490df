package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/snippet"
)

var (
	snippetConfigPath  string
	snippetFile        string
	snippetDescription string
	snippetDisabled    bool
	snippetBuffered    bool
)

var snippetCmd = &cobra.Command{
	Use:   "snippet",
	Short: "Manage stored snippets",
}

var snippetAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a new snippet from a file or stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnippetAdd,
}

var snippetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered snippets",
	Args:  cobra.NoArgs,
	RunE:  runSnippetList,
}

var snippetGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Print a snippet's code",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnippetGet,
}

var snippetEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable a snippet",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSnippetSetEnabled(args[0], true) },
}

var snippetDisableCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable a snippet",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSnippetSetEnabled(args[0], false) },
}

var snippetRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a snippet",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnippetRm,
}

func init() {
	snippetCmd.PersistentFlags().StringVar(&snippetConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	snippetAddCmd.Flags().StringVar(&snippetFile, "file", "", "read code from file instead of stdin")
	snippetAddCmd.Flags().StringVar(&snippetDescription, "description", "", "snippet description")
	snippetAddCmd.Flags().BoolVar(&snippetDisabled, "disabled", false, "register the snippet disabled")
	snippetAddCmd.Flags().BoolVar(&snippetBuffered, "buffered", false, "capture print output instead of discarding it")

	snippetCmd.AddCommand(
		snippetAddCmd,
		snippetListCmd,
		snippetGetCmd,
		snippetEnableCmd,
		snippetDisableCmd,
		snippetRmCmd,
	)
}

// snippetShared loads config and initializes the shared components for a
// local snippet command. Logging is kept quiet so command output stays clean.
func snippetShared() (*SharedComponents, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	cfg, err := config.Load(goutils.Env("KIPANDE_CONFIG", snippetConfigPath))
	if err != nil {
		return nil, err
	}
	return initShared(cfg, logger)
}

func runSnippetAdd(_ *cobra.Command, args []string) error {
	name := args[0]
	if err := snippet.ValidateName(name); err != nil {
		return err
	}

	var raw []byte
	var err error
	if snippetFile != "" {
		raw, err = os.ReadFile(snippetFile)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}

	sc, err := snippetShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	code, err := sc.Sanitizer.Sanitize(string(raw))
	if err != nil {
		return fmt.Errorf("code rejected: %w", err)
	}

	ctx := context.Background()
	sn := &snippet.Snippet{
		Name:        name,
		Code:        code,
		Enabled:     !snippetDisabled,
		Description: snippet.SanitizeDescription(snippetDescription),
		Buffer:      snippetBuffered,
	}
	if err := sc.Store.Snippets().Create(ctx, sn); err != nil {
		return err
	}
	fmt.Printf("snippet %q registered\n", name)
	return nil
}

func runSnippetList(_ *cobra.Command, _ []string) error {
	sc, err := snippetShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	snippets, err := sc.Store.Snippets().List(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tDESCRIPTION")
	for _, sn := range snippets {
		fmt.Fprintf(w, "%s\t%t\t%s\n", sn.Name, sn.Enabled, sn.Description)
	}
	return w.Flush()
}

func runSnippetGet(_ *cobra.Command, args []string) error {
	sc, err := snippetShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	sn, err := sc.Store.Snippets().Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(sn.Code)
	return nil
}

func runSnippetSetEnabled(name string, enabled bool) error {
	sc, err := snippetShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.Store.Snippets().SetEnabled(context.Background(), name, enabled); err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("snippet %q %s\n", name, state)
	return nil
}

func runSnippetRm(_ *cobra.Command, args []string) error {
	sc, err := snippetShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.Store.Snippets().Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("snippet %q deleted\n", args[0])
	return nil
}

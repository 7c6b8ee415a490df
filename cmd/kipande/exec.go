package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/executor"
	"github.com/jkaninda/kipande/internal/snippet"
)

var (
	execConfigPath string
	execAttrs      []string
	execContent    string
	execSurface    string
	execTimeout    int
)

var execCmd = &cobra.Command{
	Use:   "exec [name]",
	Short: "Run a stored snippet locally and print its output",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().StringArrayVar(&execAttrs, "attr", nil, "attribute as key=value (repeatable)")
	execCmd.Flags().StringVar(&execContent, "content", "", "inner content passed to the snippet")
	execCmd.Flags().StringVar(&execSurface, "surface", "admin-test", "rendering surface")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "execution timeout in seconds (0 uses config)")
}

func runExec(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("KIPANDE_CONFIG", execConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	surface, ok := snippet.ParseSurface(execSurface)
	if !ok {
		return fmt.Errorf("unknown surface %q", execSurface)
	}

	attrs := make(map[string]string, len(execAttrs))
	for _, raw := range execAttrs {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return fmt.Errorf("invalid attribute %q, expected key=value", raw)
		}
		attrs[key] = value
	}

	// Local invocations run with the manage role so error detail is visible.
	actor := localActor(cfg)

	inv := snippet.Invocation{
		Tag:        args[0],
		Attributes: attrs,
		Content:    execContent,
		Surface:    surface,
	}

	ctx := context.Background()
	var res snippet.Result
	if execTimeout > 0 {
		limits := executor.Limits{Timeout: time.Duration(execTimeout) * time.Second}
		res = sc.Engine.InvokeWithLimits(ctx, inv, actor, limits)
	} else {
		res = sc.Engine.Invoke(ctx, inv, actor)
	}

	fmt.Fprintln(os.Stdout, res.Output)

	// Exit 0 on success, 1 on failure, 2 when blocked. Cleanup runs
	// before os.Exit since deferred calls do not survive it.
	switch res.Status {
	case snippet.StatusCompleted:
		return nil
	case snippet.StatusBlocked:
		fmt.Fprintf(os.Stderr, "blocked: %s: %s\n", res.Kind, res.Detail)
		sc.Cleanup()
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "failed: %s: %s\n", res.Kind, res.Detail)
		sc.Cleanup()
		os.Exit(1)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
)

var (
	runConfigPath string
	runFile       string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute one snippet in the sandbox and exit",
	Long: `Run executes a single snippet read from a file (or stdin when no file
is given) and prints the guest's output. The exit code reflects the outcome:
0 on success, 1 on a guest error, 2 on a timeout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file")
	runCmd.Flags().StringVar(&runFile, "file", "", "snippet file (alternative to the positional argument)")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	// One-shot mode never persists or serves.
	cfg.Audit = nil
	cfg.Server = nil

	source, err := readSnippet(args)
	if err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("empty snippet")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ec, err := buildEngine(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer ec.Close()

	exec, ok := ec.Manager.Executor("cli")
	if !ok {
		return fmt.Errorf("engine unavailable")
	}

	result, err := exec.Execute(ctx, source)
	if err != nil {
		return err
	}

	if result.Output != "" {
		fmt.Print(result.Output)
	}
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
	}

	switch {
	case result.Success:
		return nil
	case result.TimedOut:
		os.Exit(2)
	default:
		os.Exit(1)
	}
	return nil
}

// readSnippet resolves the snippet source: positional file, --file flag, or stdin.
func readSnippet(args []string) (string, error) {
	path := runFile
	if len(args) == 1 {
		path = args[0]
	}
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading snippet: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

// chunkflow orchestrates resumable LLM batch pipelines over a run
// directory tree.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/pkg/analyze"
	"github.com/chunkflow/chunkflow/pkg/api"
	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/orchestrator"
	"github.com/chunkflow/chunkflow/pkg/version"

	// Provider registrations.
	_ "github.com/chunkflow/chunkflow/pkg/provider/anthropic"
	_ "github.com/chunkflow/chunkflow/pkg/provider/gemini"
	_ "github.com/chunkflow/chunkflow/pkg/provider/openai"
)

// Exit codes.
const (
	exitOK         = 0
	exitUsage      = 1
	exitValidation = 2
	exitInterrupt  = 130
)

func main() {
	// Load .env beside the working directory when present; absence is
	// normal in production deployments.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInterrupted):
			os.Exit(exitInterrupt)
		case errors.Is(err, errValidation):
			os.Exit(exitValidation)
		default:
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(exitUsage)
		}
	}
}

// errValidation marks config-validation failures for exit code mapping.
var errValidation = errors.New("validation failed")

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chunkflow",
		Short:         "Resumable LLM batch-pipeline orchestrator",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newInitCommand(),
		newTickCommand(),
		newWatchCommand(),
		newRealtimeCommand(),
		newStatusCommand(),
		newRetryFailuresCommand(),
		newRevalidateCommand(),
		newValidateConfigCommand(),
		newCancelCommand(),
		newAnalyzeCommand(),
		newServeCommand(),
	)
	return root
}

func newInitCommand() *cobra.Command {
	var configPath string
	var maxUnits int
	cmd := &cobra.Command{
		Use:   "init <run-dir>",
		Short: "Create a run directory with config snapshot and generated units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := orchestrator.InitOptions{}
			if cmd.Flags().Changed("max-units") {
				opts.MaxUnits = &maxUnits
			}
			o, err := orchestrator.Init(configPath, args[0], opts)
			if err != nil {
				return err
			}
			summary, err := o.Status()
			if err != nil {
				return err
			}
			fmt.Printf("Initialised %s: %d units, status %s\n", args[0], summary.TotalUnits, summary.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "pipeline config file")
	cmd.Flags().IntVar(&maxUnits, "max-units", 0, "cap the unit enumeration")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick <run-dir>",
		Short: "Advance the run by one state-machine step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			if err := orchestrator.ClaimRun(args[0]); err != nil {
				return err
			}
			done, err := o.Tick(cmd.Context())
			if err != nil {
				return err
			}
			if done {
				fmt.Println("Run is terminal")
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var interval int
	var maxCost float64
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch <run-dir>",
		Short: "Poll the run to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			return o.Watch(context.Background(), orchestrator.WatchOptions{
				Interval: time.Duration(interval) * time.Second,
				MaxCost:  maxCost,
				Timeout:  timeout,
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between ticks (default: manifest poll_interval)")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "pause when estimated cost exceeds this USD amount")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "pause after this duration (e.g. 30m)")
	return cmd
}

func newRealtimeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "realtime <run-dir>",
		Short: "Drive the run end-to-end with synchronous provider calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			return o.Realtime(context.Background())
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-dir>",
		Short: "Print the current manifest summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			summary, err := o.Status()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newRetryFailuresCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failures <run-dir>",
		Short: "Reset failed chunks and units back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			reset, err := o.RetryFailures()
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d chunks\n", reset)
			return nil
		},
	}
}

func newRevalidateCommand() *cobra.Command {
	var step string
	cmd := &cobra.Command{
		Use:   "revalidate <run-dir>",
		Short: "Re-run validation against collected results, no provider calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			passed, failed, err := o.Revalidate(step)
			if err != nil {
				return err
			}
			fmt.Printf("Revalidated step %s: %d passed, %d failed\n", step, passed, failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "pipeline step to revalidate")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func newValidateConfigCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Pre-flight a pipeline config without creating a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			problems := cfg.Validate()
			if len(problems) == 0 {
				fmt.Println("Config is valid")
				return nil
			}
			for _, problem := range problems {
				fmt.Fprintln(os.Stderr, "  -", problem)
			}
			return fmt.Errorf("%w: %d problems", errValidation, len(problems))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "pipeline config file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-dir>",
		Short: "Cancel in-flight provider batches and mark the run killed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			return o.Cancel(cmd.Context())
		},
	}
}

func newAnalyzeCommand() *cobra.Command {
	var countFields, numericFields []string
	cmd := &cobra.Command{
		Use:   "analyze <run-dir>",
		Short: "Aggregate results and write report.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.Open(args[0])
			if err != nil {
				return err
			}
			m, err := o.Store.Load(args[0])
			if err != nil {
				return err
			}
			report, err := analyze.BuildReport(args[0], m, o.Store, countFields, numericFields, nil)
			if err != nil {
				return err
			}
			if err := analyze.WriteReport(args[0], report); err != nil {
				return err
			}
			fmt.Printf("Report written for %d valid units\n", report.ValidUnits)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&countFields, "count", nil, "fields to tally")
	cmd.Flags().StringSliceVar(&numericFields, "stats", nil, "numeric fields to summarise")
	return cmd
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve <runs-dir>",
		Short: "Serve the read-only status API over a runs directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if info, err := os.Stat(args[0]); err != nil || !info.IsDir() {
				return fmt.Errorf("runs directory %s not found", args[0])
			}
			server := api.NewServer(args[0], manifest.NewStore(nil))
			return server.Start(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

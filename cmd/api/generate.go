package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"finamreports/internal/app"
	"finamreports/internal/config"
	"finamreports/internal/livesync"
	"finamreports/internal/report"
)

var genFlags struct {
	prompt   string
	model    string
	entities bool
	charts   bool
}

// generateCmd runs one generation and prints its frames to stdout in the
// same event-stream format the API serves.
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one report and print its event stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// Logs go to stderr so stdout carries frames only.
		cfg.LogFile = ""
		logger, closer, err := config.NewLogger(cfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer closer.Close()
		logger.SetOutput(os.Stderr)

		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("init app: %w", err)
		}
		defer a.Close()

		run, err := a.Engine.Generate(cmd.Context(), report.Request{
			Prompt: genFlags.prompt,
			Model:  genFlags.model,
			Options: report.Options{
				ExtractEntities: genFlags.entities,
				GenerateCharts:  genFlags.charts,
				Stream:          true,
			},
		})
		if err != nil {
			return err
		}

		final := livesync.StreamRun(livesync.NewSSEWriter(os.Stdout), run, logger)
		if failed, ok := final.(report.Failed); ok {
			return fmt.Errorf("generation failed: %s", failed.Reason)
		}
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&genFlags.prompt, "prompt", "p", "", "report request")
	f.StringVarP(&genFlags.model, "model", "m", "", "model from the allow-list (default: first entry)")
	f.BoolVar(&genFlags.entities, "entities", false, "extract entity mentions")
	f.BoolVar(&genFlags.charts, "charts", false, "ask for chart blocks")
	_ = generateCmd.MarkFlagRequired("prompt")
}

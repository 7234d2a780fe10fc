// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForecast/pkg/logging"
	"github.com/AleutianAI/AleutianForecast/services/forecast"
)

var version = "dev"

var (
	specPath string
	logDir   string
	verbose  bool
	quiet    bool
	jsonLogs bool

	rootCmd = &cobra.Command{
		Use:   "aleutian-forecast",
		Short: "A CLI to run declarative time-series forecast jobs",
		Long: `Aleutian Forecast trains per-series time-series models from a YAML
run spec and writes forecasts, accuracy metrics, explanations, and an HTML
report to a local or gs:// output directory.`,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a forecast job from a spec file",
		Long:  `Loads the run spec, trains one model per series, and persists every requested artifact.`,
		RunE:  runForecast,
	}
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List the supported model family selectors",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range forecast.SupportedModels() {
				fmt.Println(name)
			}
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	runCmd.Flags().StringVarP(&specPath, "file", "f", "forecast.yaml", "Path to the run spec YAML")
	runCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (disabled when empty)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress stderr logging (log file only)")
	runCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Write stderr logs as JSON")
	rootCmd.AddCommand(runCmd, modelsCmd, versionCmd)
}

func runForecast(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "forecast",
		JSON:    jsonLogs,
		Quiet:   quiet,
	})
	defer logger.Close()
	log := logger.Slog()

	spec, err := forecast.LoadSpec(specPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	op, err := forecast.NewOperator(ctx, spec, log)
	if err != nil {
		return err
	}
	result, err := op.Run(ctx)
	if err != nil {
		return err
	}
	if !result.Errors.Empty() {
		log.Warn("the run completed with recoverable errors", "count", result.Errors.Len())
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

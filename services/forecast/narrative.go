// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianForecast/services/llm"
)

// narrativeStop truncates rambling completions at a paragraph break.
var narrativeStop = []string{"\n\n\n"}

// GenerateNarrative asks the configured text-generation backend for a short
// prose summary of the run. The prompt carries only aggregate numbers, never
// raw input data.
func GenerateNarrative(ctx context.Context, client llm.LLMClient, spec *Spec, output *Output, summary *SummaryMetrics, log *slog.Logger) (string, error) {
	if log == nil {
		log = slog.Default()
	}
	prompt := narrativePrompt(spec, output, summary)
	log.Debug("requesting the forecast narrative", "backend", spec.Narrative.Backend)

	text, err := client.Generate(ctx, prompt, llm.GenerationParams{Stop: narrativeStop})
	if err != nil {
		return "", fmt.Errorf("narrative generation failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// narrativePrompt renders the run's aggregate numbers as plain text for the
// model to summarize.
func narrativePrompt(spec *Spec, output *Output, summary *SummaryMetrics) string {
	var b strings.Builder
	b.WriteString("Write a short narrative summary (2-4 sentences) of a time-series forecast run for a business reader. ")
	b.WriteString("Do not invent numbers beyond the ones given.\n\n")
	fmt.Fprintf(&b, "Target column: %s\n", spec.TargetColumn)
	fmt.Fprintf(&b, "Model family: %s\n", spec.Model)
	fmt.Fprintf(&b, "Forecast horizon: %d steps\n", spec.Horizon)
	fmt.Fprintf(&b, "Series forecast: %d\n", output.Len())

	for _, id := range output.SeriesIDs() {
		fc, _ := output.Forecast(id)
		if fc.Len() == 0 {
			continue
		}
		fmt.Fprintf(&b, "Series %q: first predicted value %.4f, last predicted value %.4f\n",
			string(id), fc.Values[0], fc.Values[len(fc.Values)-1])
	}

	if !summary.Empty() {
		b.WriteString("\nAccuracy on held-out test data (All Targets):\n")
		for _, col := range summary.Columns() {
			if v, ok := summary.Value(summaryAllTargetsRow, col); ok {
				fmt.Fprintf(&b, "%s: %.4f\n", col, v)
			}
		}
	}
	return b.String()
}

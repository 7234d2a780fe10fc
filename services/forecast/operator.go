// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forecast trains per-series time-series models from a declarative
// run spec and produces forecasts, accuracy metrics, explanations, and a
// rendered report.
//
// # Inputs
// A YAML run spec (see Spec) pointing at CSV data on the local filesystem or
// in Google Cloud Storage.
//
// # Outputs
// Artifact files in the spec's output directory: the report, forecast and
// metric CSVs, explanation CSVs, model hyperparameters, serialized model
// state, and an error summary when anything recoverable went wrong.
//
// # Thread Safety
// An Operator runs one spec at a time; Run must not be called concurrently
// on the same Operator.
package forecast

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForecast/pkg/storage"
	"github.com/AleutianAI/AleutianForecast/services/llm"
)

// Operator drives a single forecast run through its stages: load previous
// model state, build models, compute metrics, assemble the report, and
// persist every artifact. Stages are strictly sequential.
type Operator struct {
	spec  *Spec
	store storage.Store
	log   *slog.Logger

	// newLLMClient is swapped out in tests.
	newLLMClient func(backend string) (llm.LLMClient, error)
}

// RunResult carries everything a completed run produced. Fields for stages
// that were skipped or failed recoverably are nil.
type RunResult struct {
	RunID  string
	Output *Output

	TrainMetrics *MetricsTable
	TestMetrics  *MetricsTable
	Summary      *SummaryMetrics

	GlobalExplanation GlobalExplanation
	LocalExplanation  LocalExplanation

	Parameters map[SeriesID]map[string]any
	ModelState *ModelState

	Report []byte

	Errors  *RunErrors
	Elapsed time.Duration
}

// NewOperator builds an operator for one run spec, opening the output store
// up front so a bad output location fails fast.
func NewOperator(ctx context.Context, spec *Spec, log *slog.Logger) (*Operator, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := storage.New(ctx, spec.OutputDirectory.URL, spec.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open the output directory %s: %w", spec.OutputDirectory.URL, err)
	}
	return &Operator{
		spec:         spec,
		store:        store,
		log:          log,
		newLLMClient: llm.NewClient,
	}, nil
}

// Run executes the full pipeline. Model building failures are fatal; metric,
// explanation, and narrative failures are recorded and the run continues, so
// a partial run still writes every artifact it could produce.
func (o *Operator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := o.log.With("run_id", runID)
	log.Info("starting the forecast run",
		"model", o.spec.Model, "horizon", o.spec.Horizon, "output", o.store.URL(""))

	errs := NewRunErrors()
	result := &RunResult{RunID: runID, Errors: errs}

	ds, test, err := o.loadData(ctx, log, errs)
	if err != nil {
		return nil, err
	}

	prior := o.loadPreviousModel(ctx, log)

	builder, err := NewModelBuilder(o.spec, BuilderDeps{Store: o.store, Log: log})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if stateful, ok := builder.(Stateful); ok {
			stateful.Restore(prior)
		}
	}

	output, err := builder.Build(ctx, ds, errs)
	if err != nil {
		return nil, fmt.Errorf("model building failed: %w", err)
	}
	result.Output = output
	log.Info("model building completed", "series", output.Len())

	engine := NewMetricsEngine(o.spec.Horizon, log)
	if o.spec.GenerateMetrics {
		result.TrainMetrics = engine.EvaluateTrain(ds, output)
	}
	if test != nil {
		// A test-metrics failure never aborts the run; downstream stages
		// see the tables as absent.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("test metric computation failed", "panic", r)
					errs.Record("test_metrics", fmt.Errorf("test metric computation failed: %v", r))
					result.TestMetrics, result.Summary = nil, nil
				}
			}()
			result.TestMetrics, result.Summary = engine.Evaluate(output, test, time.Since(start), errs)
		}()
	}

	if o.spec.GenerateExplanations {
		explainEngine := NewExplanationEngine(o.spec, log)
		result.GlobalExplanation, result.LocalExplanation = explainEngine.Explain(ctx, ds, builder, errs)
	}

	result.Parameters = builder.Parameters()
	if stateful, ok := builder.(Stateful); ok {
		result.ModelState = stateful.State()
	}

	if o.spec.GenerateReport || o.spec.GenerateMetrics {
		report, err := o.assembleReport(ctx, log, ds, builder, result, errs)
		if err != nil {
			return nil, err
		}
		result.Report = report
	}

	result.Elapsed = time.Since(start)
	o.persistArtifacts(ctx, log, result)

	log.Info("forecast run completed",
		"elapsed", result.Elapsed.String(), "errors", errs.Len())
	return result, nil
}

// loadData fetches and parses the historical data (fatal on failure) and
// the optional test data (recoverable: the run proceeds without it).
func (o *Operator) loadData(ctx context.Context, log *slog.Logger, errs *RunErrors) (*Dataset, *TestData, error) {
	raw, err := storage.Fetch(ctx, o.spec.HistoricalData.URL, o.spec.CredentialsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read the historical data %s: %w", o.spec.HistoricalData.URL, err)
	}
	ds, err := ParseDataset(o.spec, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse the historical data: %w", err)
	}
	log.Info("loaded the historical data", "series", len(ds.SeriesIDs()))

	var test *TestData
	if o.spec.TestData != nil {
		rawTest, err := storage.Fetch(ctx, o.spec.TestData.URL, o.spec.CredentialsFile)
		if err != nil {
			log.Warn("failed to read the test data, continuing without test metrics",
				"url", o.spec.TestData.URL, "error", err)
			errs.Record("test_data", fmt.Errorf("failed to read the test data: %w", err))
			return ds, nil, nil
		}
		test, err = ParseTestData(o.spec, rawTest)
		if err != nil {
			log.Warn("failed to parse the test data, continuing without test metrics", "error", err)
			errs.Record("test_data", fmt.Errorf("failed to parse the test data: %w", err))
			return ds, nil, nil
		}
	}
	return ds, test, nil
}

// loadPreviousModel reads the serialized model state from a previous run's
// output directory. Any failure means "no previous model".
func (o *Operator) loadPreviousModel(ctx context.Context, log *slog.Logger) *ModelState {
	if o.spec.PreviousOutputDir == "" {
		return nil
	}
	prev, err := storage.New(ctx, o.spec.PreviousOutputDir, o.spec.CredentialsFile)
	if err != nil {
		log.Warn("failed to open the previous output directory, starting fresh",
			"dir", o.spec.PreviousOutputDir, "error", err)
		return nil
	}
	data, err := prev.Read(ctx, o.spec.ModelStateFilename)
	if err != nil {
		log.Warn("no previous model state found, starting fresh",
			"dir", o.spec.PreviousOutputDir, "error", err)
		return nil
	}
	var state ModelState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		log.Warn("failed to decode the previous model state, starting fresh", "error", err)
		return nil
	}
	log.Info("loaded the previous model state",
		"family", state.Family, "series", len(state.Series))
	return &state
}

// assembleReport builds the section sequence and renders it. Assembly
// failures propagate; only the narrative degrades gracefully.
func (o *Operator) assembleReport(ctx context.Context, log *slog.Logger, ds *Dataset, builder ModelBuilder, result *RunResult, errs *RunErrors) ([]byte, error) {
	inputs := &ReportInputs{
		Spec:         o.spec,
		Dataset:      ds,
		Output:       result.Output,
		ModelName:    builder.Name(),
		TrainMetrics: result.TrainMetrics,
		TestMetrics:  result.TestMetrics,
		Summary:      result.Summary,
		Elapsed:      result.Elapsed,
	}
	if auto, ok := builder.(*autoSelectBuilder); ok {
		inputs.BacktestStats = auto.Stats()
		if delegate := auto.delegate; delegate != nil {
			inputs.ModelName = delegate.Name()
		}
	}
	if o.spec.Narrative.Enabled {
		inputs.Narrative = o.generateNarrative(ctx, log, result, errs)
	}

	assembler := NewReportAssembler(log)
	sections := assembler.Assemble(inputs)
	var buf bytes.Buffer
	if err := assembler.Render(&buf, sections); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// generateNarrative is best-effort: a backend or generation failure is
// logged and recorded, and the report simply omits the narrative section.
func (o *Operator) generateNarrative(ctx context.Context, log *slog.Logger, result *RunResult, errs *RunErrors) string {
	client, err := o.newLLMClient(o.spec.Narrative.Backend)
	if err != nil {
		log.Warn("narrative backend unavailable", "backend", o.spec.Narrative.Backend, "error", err)
		errs.Record("narrative", err)
		return ""
	}
	text, err := GenerateNarrative(ctx, client, o.spec, result.Output, result.Summary, log)
	if err != nil {
		log.Warn("narrative generation failed", "error", err)
		errs.Record("narrative", err)
		return ""
	}
	return text
}

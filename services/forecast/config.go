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
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AccuracyMode selects the speed/accuracy trade-off for explanation
// generation. Faster modes down-sample the masker dataset more aggressively.
type AccuracyMode string

const (
	AccuracyHigh     AccuracyMode = "HIGH_ACCURACY"
	AccuracyBalanced AccuracyMode = "BALANCED"
	AccuracyFast     AccuracyMode = "FAST_APPROXIMATE"
)

// maskerRatio maps an accuracy mode to the fraction of the training tail
// used as the explainer's masker dataset.
var maskerRatio = map[AccuracyMode]float64{
	AccuracyHigh:     1.0,
	AccuracyBalanced: 0.5,
	AccuracyFast:     0.1,
}

// minMaskerRows is the floor applied after the ratio, so that very short
// series still produce a usable masker.
const minMaskerRows = 5

// SummaryHorizonLimit is the largest horizon for which the per-horizon-step
// metric breakdown is computed. Longer horizons get the aggregate summary
// only.
const SummaryHorizonLimit = 10

// ModelAutoSelect is the special model selector that backtests every
// registered family and picks the best one.
const ModelAutoSelect = "auto-select"

// BacktestStatsFile is the per-family backtest score table written to (and
// read back from) the output directory in auto-select mode.
const BacktestStatsFile = "backtest_stats.csv"

// DatetimeColumn names the timestamp column of the input data and the Go
// layout used to parse it.
type DatetimeColumn struct {
	Name   string `yaml:"name" validate:"required"`
	Format string `yaml:"format"`
}

// DataSource points at a CSV input, either a local path or a gs:// URL.
type DataSource struct {
	URL string `yaml:"url" validate:"required"`
}

// NarrativeConfig toggles the LLM-written report narrative and selects the
// text-generation backend used to produce it.
type NarrativeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend" validate:"omitempty,oneof=openai anthropic ollama"`
}

// Spec is the forecast operator specification. It is the single source of
// truth for a run: data locations, model selection, artifact toggles, and
// filenames.
type Spec struct {
	HistoricalData DataSource  `yaml:"historical_data" validate:"required"`
	TestData       *DataSource `yaml:"test_data"`

	TargetColumn   string         `yaml:"target_column" validate:"required"`
	DatetimeColumn DatetimeColumn `yaml:"datetime_column" validate:"required"`
	SeriesIDColumn string         `yaml:"series_id_column"`

	Horizon                 int     `yaml:"horizon" validate:"required,gt=0"`
	ConfidenceIntervalWidth float64 `yaml:"confidence_interval_width" validate:"gt=0,lt=1"`

	Model           string     `yaml:"model" validate:"required"`
	OutputDirectory DataSource `yaml:"output_directory"`

	GenerateReport          bool `yaml:"generate_report"`
	GenerateMetrics         bool `yaml:"generate_metrics"`
	GenerateExplanations    bool `yaml:"generate_explanations"`
	GenerateModelParameters bool `yaml:"generate_model_parameters"`
	GenerateModelState      bool `yaml:"generate_model_state"`

	ExplanationsAccuracyMode AccuracyMode `yaml:"explanations_accuracy_mode" validate:"omitempty,oneof=HIGH_ACCURACY BALANCED FAST_APPROXIMATE"`

	ReportFilename            string `yaml:"report_filename"`
	ForecastFilename          string `yaml:"forecast_filename"`
	MetricsFilename           string `yaml:"metrics_filename"`
	TestMetricsFilename       string `yaml:"test_metrics_filename"`
	GlobalExplanationFilename string `yaml:"global_explanation_filename"`
	LocalExplanationFilename  string `yaml:"local_explanation_filename"`
	ModelParamsFilename       string `yaml:"model_params_filename"`
	ModelStateFilename        string `yaml:"model_state_filename"`
	ErrorsFilename            string `yaml:"errors_filename"`

	PreviousOutputDir string `yaml:"previous_output_dir"`

	// CredentialsFile is the service account key used for gs:// output
	// directories. Local paths need no credentials.
	CredentialsFile string `yaml:"credentials_file"`

	Narrative NarrativeConfig `yaml:"narrative"`
}

var specValidate = validator.New()

// LoadSpec reads and validates an operator spec from a YAML file, applying
// defaults for every omitted filename and mode.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the operator spec %s: %w", path, err)
	}
	return ParseSpec(data)
}

// ParseSpec parses an operator spec from raw YAML.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse the operator spec: %w", err)
	}
	spec.applyDefaults()
	if err := specValidate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("invalid operator spec: %w", err)
	}
	return &spec, nil
}

func (s *Spec) applyDefaults() {
	if s.OutputDirectory.URL == "" {
		s.OutputDirectory.URL = "output"
	}
	if s.DatetimeColumn.Format == "" {
		s.DatetimeColumn.Format = "2006-01-02"
	}
	if s.ConfidenceIntervalWidth == 0 {
		s.ConfidenceIntervalWidth = 0.80
	}
	if s.ExplanationsAccuracyMode == "" {
		s.ExplanationsAccuracyMode = AccuracyHigh
	}
	if s.ReportFilename == "" {
		s.ReportFilename = "report.html"
	}
	if s.ForecastFilename == "" {
		s.ForecastFilename = "forecast.csv"
	}
	if s.MetricsFilename == "" {
		s.MetricsFilename = "metrics.csv"
	}
	if s.TestMetricsFilename == "" {
		s.TestMetricsFilename = "test_metrics.csv"
	}
	if s.GlobalExplanationFilename == "" {
		s.GlobalExplanationFilename = "global_explanation.csv"
	}
	if s.LocalExplanationFilename == "" {
		s.LocalExplanationFilename = "local_explanation.csv"
	}
	if s.ModelParamsFilename == "" {
		s.ModelParamsFilename = "model_params.json"
	}
	if s.ModelStateFilename == "" {
		s.ModelStateFilename = "model.gob"
	}
	if s.ErrorsFilename == "" {
		s.ErrorsFilename = "errors.json"
	}
	if s.Narrative.Backend == "" {
		s.Narrative.Backend = "openai"
	}
}

// MaskerRatio returns the masker down-sampling ratio for the configured
// accuracy mode.
func (s *Spec) MaskerRatio() float64 {
	if r, ok := maskerRatio[s.ExplanationsAccuracyMode]; ok {
		return r
	}
	return maskerRatio[AccuracyHigh]
}

// EchoYAML renders the spec back to YAML for the trailing report section.
func (s *Spec) EchoYAML() (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the spec for the report echo: %w", err)
	}
	return string(data), nil
}

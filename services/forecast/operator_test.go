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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForecast/services/llm"
)

const e2eHistory = 60

// writeHistoryCSV produces two stores of synthetic daily sales: a known
// history plus `horizon` trailing rows with future timestamps and an empty
// target.
func writeHistoryCSV(t *testing.T, dir string, horizon int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("ds,store,sales\n")
	start, _ := time.Parse("2006-01-02", "2024-01-01")
	for _, store := range []string{"A", "B"} {
		base := 100.0
		if store == "B" {
			base = 500.0
		}
		for i := 0; i < e2eHistory+horizon; i++ {
			day := start.AddDate(0, 0, i)
			value := ""
			if i < e2eHistory {
				v := base + 2*float64(i) + 5*math.Sin(2*math.Pi*float64(i)/7)
				value = fmt.Sprintf("%.2f", v)
			}
			fmt.Fprintf(&b, "%s,%s,%s\n", day.Format("2006-01-02"), store, value)
		}
	}
	path := filepath.Join(dir, "history.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

// writeTestCSV covers only store A over the horizon window.
func writeTestCSV(t *testing.T, dir string, horizon int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("ds,store,sales\n")
	start, _ := time.Parse("2006-01-02", "2024-01-01")
	for i := 0; i < horizon; i++ {
		day := start.AddDate(0, 0, e2eHistory+i)
		v := 100 + 2*float64(e2eHistory+i)
		fmt.Fprintf(&b, "%s,A,%.2f\n", day.Format("2006-01-02"), v)
	}
	path := filepath.Join(dir, "test.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func e2eSpec(t *testing.T, dir string, horizon int) *Spec {
	t.Helper()
	spec, err := ParseSpec([]byte(fmt.Sprintf(`
historical_data:
  url: %s
target_column: sales
datetime_column:
  name: ds
series_id_column: store
horizon: %d
model: trend
output_directory:
  url: %s
generate_report: true
generate_metrics: true
generate_model_parameters: true
generate_model_state: true
`, writeHistoryCSV(t, dir, horizon), horizon, filepath.Join(dir, "out"))))
	require.NoError(t, err)
	return spec
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	return records
}

func TestOperatorRunWithoutTestData(t *testing.T) {
	dir := t.TempDir()
	horizon := 5
	spec := e2eSpec(t, dir, horizon)

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	result, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Output.Len())
	assert.True(t, result.Errors.Empty(), "clean data should produce no errors: %v", result.Errors.Keys())

	// Forecast CSV holds one row per series per step plus a header.
	records := readCSVFile(t, filepath.Join(dir, "out", spec.ForecastFilename))
	assert.Len(t, records, 1+2*horizon)
	assert.Equal(t, []string{"series_id", "ds", "yhat", "yhat_upper", "yhat_lower"}, records[0])

	seen := map[string]int{}
	for _, rec := range records[1:] {
		seen[rec[0]]++
	}
	assert.Equal(t, horizon, seen["A"])
	assert.Equal(t, horizon, seen["B"])

	// Without test data, the report omits the test metrics section.
	report, err := os.ReadFile(filepath.Join(dir, "out", spec.ReportFilename))
	require.NoError(t, err)
	assert.NotContains(t, string(report), SectionTestMetrics)
	assert.Contains(t, string(report), SectionForecastOverview)
	assert.Contains(t, string(report), SectionForecastPlots)

	// No errors occurred, so no errors artifact is written.
	_, err = os.Stat(filepath.Join(dir, "out", spec.ErrorsFilename))
	assert.True(t, os.IsNotExist(err), "errors file should not exist for a clean run")

	// Requested model parameters and state were written.
	paramsData, err := os.ReadFile(filepath.Join(dir, "out", spec.ModelParamsFilename))
	require.NoError(t, err)
	var params map[string]map[string]any
	require.NoError(t, json.Unmarshal(paramsData, &params))
	assert.Contains(t, params, "A")
	assert.Contains(t, params, "B")
}

func TestOperatorMetricsOnlyRunWritesNoReport(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.GenerateReport = false

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	_, err = op.Run(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "out", spec.ReportFilename))
	assert.True(t, os.IsNotExist(err), "report file should not be written when only metrics were requested")
	_, err = os.Stat(filepath.Join(dir, "out", spec.MetricsFilename))
	assert.NoError(t, err, "training metrics should still be written")
}

func TestOperatorRunWithPartialTestData(t *testing.T) {
	dir := t.TempDir()
	horizon := 5
	spec := e2eSpec(t, dir, horizon)
	spec.TestData = &DataSource{URL: writeTestCSV(t, dir, horizon)}

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	result, err := op.Run(context.Background())
	require.NoError(t, err)

	// Both series still produce forecasts.
	records := readCSVFile(t, filepath.Join(dir, "out", spec.ForecastFilename))
	assert.Len(t, records, 1+2*horizon)

	// The test metrics table has exactly one series column.
	metrics := readCSVFile(t, filepath.Join(dir, "out", spec.TestMetricsFilename))
	require.NotEmpty(t, metrics)
	assert.Equal(t, []string{"metric", "A"}, metrics[0])

	// The missing series is recorded in the errors artifact.
	errData, err := os.ReadFile(filepath.Join(dir, "out", spec.ErrorsFilename))
	require.NoError(t, err)
	var recorded map[string]string
	require.NoError(t, json.Unmarshal(errData, &recorded))
	assert.Len(t, recorded, 1)
	assert.Contains(t, recorded, "B")

	_, hasB := result.TestMetrics.Value(MetricSMAPE, "B")
	assert.False(t, hasB)
}

func TestOperatorMissingHistoricalDataIsFatal(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.HistoricalData.URL = filepath.Join(dir, "nope.csv")

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	_, err = op.Run(context.Background())
	assert.Error(t, err)
}

func TestOperatorUnreadableTestDataIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.TestData = &DataSource{URL: filepath.Join(dir, "missing_test.csv")}

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	result, err := op.Run(context.Background())
	require.NoError(t, err, "a missing test file must not abort the run")

	assert.Nil(t, result.TestMetrics)
	_, recorded := result.Errors.Get("test_data")
	assert.True(t, recorded)

	// The omission rule applies downstream.
	report, err := os.ReadFile(filepath.Join(dir, "out", spec.ReportFilename))
	require.NoError(t, err)
	assert.NotContains(t, string(report), SectionTestMetrics)
}

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return f.response, f.err
}

func TestOperatorNarrative(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.Narrative.Enabled = true

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	op.newLLMClient = func(backend string) (llm.LLMClient, error) {
		return &fakeLLM{response: "Sales grow steadily across both stores."}, nil
	}

	_, err = op.Run(context.Background())
	require.NoError(t, err)

	report, err := os.ReadFile(filepath.Join(dir, "out", spec.ReportFilename))
	require.NoError(t, err)
	assert.Contains(t, string(report), SectionNarrative)
	assert.Contains(t, string(report), "Sales grow steadily across both stores.")
}

func TestOperatorNarrativeFailureIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.Narrative.Enabled = true

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	op.newLLMClient = func(backend string) (llm.LLMClient, error) {
		return &fakeLLM{err: fmt.Errorf("backend offline")}, nil
	}

	result, err := op.Run(context.Background())
	require.NoError(t, err, "a narrative failure must not abort the run")

	_, recorded := result.Errors.Get("narrative")
	assert.True(t, recorded)
	report, err := os.ReadFile(filepath.Join(dir, "out", spec.ReportFilename))
	require.NoError(t, err)
	assert.NotContains(t, string(report), SectionNarrative)
}

func TestOperatorModelStateWarmStart(t *testing.T) {
	dir := t.TempDir()
	horizon := 5
	spec := e2eSpec(t, dir, horizon)
	spec.Model = ModelARIMA

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	first, err := op.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.ModelState)
	assert.Equal(t, ModelARIMA, first.ModelState.Family)

	// A second run warm-starts from the first run's state.
	secondDir := filepath.Join(dir, "out2")
	spec2 := e2eSpec(t, dir, horizon)
	spec2.Model = ModelARIMA
	spec2.OutputDirectory.URL = secondDir
	spec2.PreviousOutputDir = filepath.Join(dir, "out")

	op2, err := NewOperator(context.Background(), spec2, nil)
	require.NoError(t, err)
	second, err := op2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Output.Len())
}

func TestOperatorMissingPreviousStateIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	spec := e2eSpec(t, dir, 5)
	spec.PreviousOutputDir = filepath.Join(dir, "never-existed")

	op, err := NewOperator(context.Background(), spec, nil)
	require.NoError(t, err)
	_, err = op.Run(context.Background())
	assert.NoError(t, err, "a missing previous model is never fatal")
}

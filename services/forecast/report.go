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
	"bytes"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// previewRows is how many rows of each series appear in the data preview.
const previewRows = 5

// Report section titles. The assembler emits sections in a fixed order and
// tests match on these titles, so they are constants rather than literals.
const (
	SectionForecastOverview = "Forecast Overview"
	SectionDataPreview      = "Input Data Preview"
	SectionNarrative        = "Forecast Narrative"
	SectionBacktest         = "Backtest Model Comparison"
	SectionForecastPlots    = "Forecast Plots"
	SectionTestMetrics      = "Test Data Evaluation Metrics"
	SectionSummaryMetrics   = "Summary Metrics"
	SectionTrainMetrics     = "Training Data Evaluation Metrics"
	SectionConfigEcho       = "Run Configuration"
)

// Section is one rendered block of the report.
type Section struct {
	Title string
	Body  template.HTML
}

// ReportInputs collects every already-computed artifact the assembler may
// reference. Absent or empty artifacts cause their section to be omitted.
type ReportInputs struct {
	Spec      *Spec
	Dataset   *Dataset
	Output    *Output
	ModelName string

	TrainMetrics  *MetricsTable
	TestMetrics   *MetricsTable
	Summary       *SummaryMetrics
	BacktestStats *BacktestStats

	// ModelSections are family-specific blocks supplied by the caller,
	// rendered between the plots and the metric tables.
	ModelSections []Section

	// Narrative is the optional generated prose summary.
	Narrative string

	Elapsed time.Duration
}

// ReportAssembler composes the report as an ordered sequence of sections
// from already-computed artifacts. Assembly is a pure function of its
// inputs; rendering failures on individual plots degrade to a logged
// warning rather than losing the report.
type ReportAssembler struct {
	log *slog.Logger
}

// NewReportAssembler returns an assembler.
func NewReportAssembler(log *slog.Logger) *ReportAssembler {
	if log == nil {
		log = slog.Default()
	}
	return &ReportAssembler{log: log}
}

// Assemble produces the ordered section sequence. The order is fixed:
// overview and data previews, then the narrative, the backtest comparison,
// forecast-vs-history plots, any model-specific sections, the three metric
// tables, and a trailing configuration echo. A section whose backing
// artifact is absent or empty never appears.
func (r *ReportAssembler) Assemble(in *ReportInputs) []Section {
	var sections []Section

	sections = append(sections, r.overviewSection(in))
	if preview := r.previewSection(in); preview != nil {
		sections = append(sections, *preview)
	}
	if in.Narrative != "" {
		sections = append(sections, Section{
			Title: SectionNarrative,
			Body:  template.HTML("<p>" + template.HTMLEscapeString(in.Narrative) + "</p>"),
		})
	}
	if in.Spec.Model == ModelAutoSelect && in.BacktestStats != nil && len(in.BacktestStats.Families) > 0 {
		sections = append(sections, r.backtestSection(in.BacktestStats))
	}
	if in.Output != nil && in.Output.Len() > 0 {
		if plots := r.plotSection(in); plots != nil {
			sections = append(sections, *plots)
		}
	}
	sections = append(sections, in.ModelSections...)
	if !in.TestMetrics.Empty() {
		sections = append(sections, Section{
			Title: SectionTestMetrics,
			Body:  metricsTableHTML(in.TestMetrics),
		})
	}
	if !in.Summary.Empty() {
		sections = append(sections, Section{
			Title: SectionSummaryMetrics,
			Body:  summaryTableHTML(in.Summary),
		})
	}
	if !in.TrainMetrics.Empty() {
		sections = append(sections, Section{
			Title: SectionTrainMetrics,
			Body:  metricsTableHTML(in.TrainMetrics),
		})
	}
	if echo := r.configSection(in.Spec); echo != nil {
		sections = append(sections, *echo)
	}
	return sections
}

func (r *ReportAssembler) overviewSection(in *ReportInputs) Section {
	var b strings.Builder
	b.WriteString("<table class=\"kv\">")
	writeKV := func(k, v string) {
		fmt.Fprintf(&b, "<tr><th>%s</th><td>%s</td></tr>",
			template.HTMLEscapeString(k), template.HTMLEscapeString(v))
	}
	writeKV("Model", in.ModelName)
	writeKV("Target Column", in.Spec.TargetColumn)
	writeKV("Horizon", fmt.Sprintf("%d", in.Spec.Horizon))
	writeKV("Confidence Interval Width", fmt.Sprintf("%.0f%%", in.Spec.ConfidenceIntervalWidth*100))
	if in.Dataset != nil {
		writeKV("Series", fmt.Sprintf("%d", len(in.Dataset.SeriesIDs())))
		if earliest := in.Dataset.EarliestTimestamp(); !earliest.IsZero() {
			writeKV("History Start", earliest.Format(in.Spec.DatetimeColumn.Format))
		}
		if latest := in.Dataset.LatestTimestamp(); !latest.IsZero() {
			writeKV("History End", latest.Format(in.Spec.DatetimeColumn.Format))
		}
	}
	if in.Elapsed > 0 {
		writeKV("Elapsed Time", in.Elapsed.Round(time.Millisecond).String())
	}
	b.WriteString("</table>")
	return Section{Title: SectionForecastOverview, Body: template.HTML(b.String())}
}

// previewSection renders the head of each series' data.
func (r *ReportAssembler) previewSection(in *ReportInputs) *Section {
	if in.Dataset == nil || len(in.Dataset.SeriesIDs()) == 0 {
		return nil
	}
	var b strings.Builder
	for _, id := range in.Dataset.SeriesIDs() {
		frame, _ := in.Dataset.Frame(id)
		n := previewRows
		if frame.Len() < n {
			n = frame.Len()
		}
		if n == 0 {
			continue
		}
		fmt.Fprintf(&b, "<h3>%s</h3>", template.HTMLEscapeString(string(id)))
		b.WriteString("<table><tr><th>")
		b.WriteString(template.HTMLEscapeString(in.Spec.DatetimeColumn.Name))
		b.WriteString("</th>")
		for _, feat := range frame.Features {
			fmt.Fprintf(&b, "<th>%s</th>", template.HTMLEscapeString(feat.Name))
		}
		fmt.Fprintf(&b, "<th>%s</th></tr>", template.HTMLEscapeString(in.Spec.TargetColumn))
		for i := 0; i < n; i++ {
			b.WriteString("<tr><td>")
			b.WriteString(frame.Times[i].Format(in.Spec.DatetimeColumn.Format))
			b.WriteString("</td>")
			for _, feat := range frame.Features {
				fmt.Fprintf(&b, "<td>%s</td>", formatCell(feat.Values[i]))
			}
			fmt.Fprintf(&b, "<td>%s</td></tr>", formatCell(frame.Target[i]))
		}
		b.WriteString("</table>")
	}
	if b.Len() == 0 {
		return nil
	}
	return &Section{Title: SectionDataPreview, Body: template.HTML(b.String())}
}

// backtestSection renders the per-family score table and names the winner:
// the family with the lowest mean score, the backtest index column excluded.
func (r *ReportAssembler) backtestSection(stats *BacktestStats) Section {
	var b strings.Builder
	best := stats.BestModel()
	fmt.Fprintf(&b, "<p>Selected model: <strong>%s</strong> (lowest mean backtest sMAPE).</p>",
		template.HTMLEscapeString(best))

	means := stats.MeanScores()
	b.WriteString("<table><tr><th>Model</th><th>Mean Score</th></tr>")
	for _, family := range stats.Families {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>",
			template.HTMLEscapeString(family), formatCell(means[family]))
	}
	b.WriteString("</table>")
	return Section{Title: SectionBacktest, Body: template.HTML(b.String())}
}

// plotSection renders one history+forecast chart per series. A single
// series' plot failure is logged and skipped; the rest still render.
func (r *ReportAssembler) plotSection(in *ReportInputs) *Section {
	var b strings.Builder
	for _, id := range in.Output.SeriesIDs() {
		fc, _ := in.Output.Forecast(id)
		frame, ok := in.Dataset.Frame(id)
		if !ok {
			continue
		}
		svg, err := forecastPlotSVG(string(id), frame.DropHorizon(in.Spec.Horizon), fc)
		if err != nil {
			r.log.Warn("failed to render the forecast plot for series",
				"series", string(id), "error", err)
			continue
		}
		fmt.Fprintf(&b, "<h3>%s</h3>", template.HTMLEscapeString(string(id)))
		b.WriteString(svg)
	}
	if b.Len() == 0 {
		return nil
	}
	return &Section{Title: SectionForecastPlots, Body: template.HTML(b.String())}
}

// configSection echoes the run spec as YAML.
func (r *ReportAssembler) configSection(spec *Spec) *Section {
	echo, err := spec.EchoYAML()
	if err != nil {
		r.log.Warn("failed to render the configuration echo", "error", err)
		return nil
	}
	body := "<pre>" + template.HTMLEscapeString(echo) + "</pre>"
	return &Section{Title: SectionConfigEcho, Body: template.HTML(body)}
}

// forecastPlotSVG draws the observed history and the forecast line for one
// series and returns the chart as inline SVG.
func forecastPlotSVG(title string, hist *Frame, fc *SeriesForecast) (string, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Y.Label.Text = "value"

	histXY := make(plotter.XYs, 0, hist.Len())
	for i := range hist.Times {
		if math.IsNaN(hist.Target[i]) {
			continue
		}
		histXY = append(histXY, plotter.XY{X: float64(hist.Times[i].Unix()), Y: hist.Target[i]})
	}
	histLine, err := plotter.NewLine(histXY)
	if err != nil {
		return "", fmt.Errorf("failed to build the history line: %w", err)
	}
	p.Add(histLine)
	p.Legend.Add("history", histLine)

	fcXY := make(plotter.XYs, 0, len(fc.Times))
	for i := range fc.Times {
		fcXY = append(fcXY, plotter.XY{X: float64(fc.Times[i].Unix()), Y: fc.Values[i]})
	}
	fcLine, err := plotter.NewLine(fcXY)
	if err != nil {
		return "", fmt.Errorf("failed to build the forecast line: %w", err)
	}
	fcLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(fcLine)
	p.Legend.Add("forecast", fcLine)

	writer, err := p.WriterTo(7*vg.Inch, 3*vg.Inch, "svg")
	if err != nil {
		return "", fmt.Errorf("failed to prepare the SVG writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("failed to write the SVG plot: %w", err)
	}
	return buf.String(), nil
}

// metricsTableHTML renders a metric-by-series table.
func metricsTableHTML(table *MetricsTable) template.HTML {
	var b strings.Builder
	b.WriteString("<table><tr><th>Metric</th>")
	for _, id := range table.Columns() {
		fmt.Fprintf(&b, "<th>%s</th>", template.HTMLEscapeString(string(id)))
	}
	b.WriteString("</tr>")
	for _, metric := range table.Rows() {
		fmt.Fprintf(&b, "<tr><td>%s</td>", template.HTMLEscapeString(metric))
		for _, id := range table.Columns() {
			if v, ok := table.Value(metric, id); ok {
				fmt.Fprintf(&b, "<td>%s</td>", formatCell(v))
			} else {
				b.WriteString("<td></td>")
			}
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return template.HTML(b.String())
}

// summaryTableHTML renders the cross-series summary, leaving NaN cells
// blank.
func summaryTableHTML(summary *SummaryMetrics) template.HTML {
	var b strings.Builder
	b.WriteString("<table><tr><th></th>")
	for _, col := range summary.Columns() {
		fmt.Fprintf(&b, "<th>%s</th>", template.HTMLEscapeString(col))
	}
	b.WriteString("</tr>")
	for _, row := range summary.Rows() {
		fmt.Fprintf(&b, "<tr><td>%s</td>", template.HTMLEscapeString(row))
		for _, col := range summary.Columns() {
			if v, ok := summary.Value(row, col); ok {
				fmt.Fprintf(&b, "<td>%s</td>", formatCell(v))
			} else {
				b.WriteString("<td></td>")
			}
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return template.HTML(b.String())
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return fmt.Sprintf("%.4f", v)
}

// reportTemplate is the full-document wrapper around the section sequence.
var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #1a1a2e; }
h1 { border-bottom: 2px solid #0f3460; padding-bottom: 0.3em; }
h2 { color: #0f3460; margin-top: 1.6em; }
table { border-collapse: collapse; margin: 0.8em 0; }
th, td { border: 1px solid #c8c8d0; padding: 0.35em 0.7em; text-align: left; }
th { background: #eef1f6; }
pre { background: #f6f6f8; padding: 1em; overflow-x: auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="generated">Generated {{.Generated}}</p>
{{range .Sections}}
<h2>{{.Title}}</h2>
{{.Body}}
{{end}}
</body>
</html>
`))

// Render writes the sections as a standalone HTML document.
func (r *ReportAssembler) Render(w io.Writer, sections []Section) error {
	data := struct {
		Title     string
		Generated string
		Sections  []Section
	}{
		Title:     "Forecast Report",
		Generated: time.Now().UTC().Format(time.RFC3339),
		Sections:  sections,
	}
	if err := reportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render the report: %w", err)
	}
	return nil
}

// Package export writes analysis results to spreadsheet files for sharing
// outside the CLI.
package export

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/experiment-cli/internal/model"
)

// WriteXLSX writes an analysis result as a workbook: one summary sheet and
// one sheet per metric with per-variant rows and vs-control comparisons.
func WriteXLSX(result *model.AnalysisResult, path string) error {
	f := xlsx.NewFile()

	if err := writeSummarySheet(f, result); err != nil {
		return err
	}
	for i := range result.Metrics {
		if err := writeMetricSheet(f, &result.Metrics[i]); err != nil {
			return err
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func writeSummarySheet(f *xlsx.File, result *model.AnalysisResult) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}

	addRow(sheet, "Experiment", result.ExperimentID)
	addRow(sheet, "Generated", result.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	addRow(sheet, "Total exposures", fmt.Sprintf("%d", result.TotalExposures))
	addRow(sheet)

	addRow(sheet, "Sample ratio check")
	addRow(sheet, "Chi-square", formatFloat(result.SampleRatio.ChiSquare))
	addRow(sheet, "P-value", formatFloat(result.SampleRatio.PValue))
	addRow(sheet, "Mismatch", fmt.Sprintf("%t", result.SampleRatio.Mismatch))
	addRow(sheet)

	addRow(sheet, "Variant", "Observed", "Expected")
	for vid, obs := range result.SampleRatio.Observed {
		addRow(sheet, vid, fmt.Sprintf("%d", obs), formatFloat(result.SampleRatio.Expected[vid]))
	}
	return nil
}

func writeMetricSheet(f *xlsx.File, ma *model.MetricAnalysis) error {
	name := ma.MetricName
	if name == "" {
		name = ma.MetricID
	}
	// Sheet names cap at 31 chars in the xlsx format.
	if len(name) > 31 {
		name = name[:31]
	}
	sheet, err := f.AddSheet(name)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %s", name)
	}

	addRow(sheet, "Metric", ma.MetricID)
	addRow(sheet, "Type", string(ma.Type))
	addRow(sheet, "Primary", fmt.Sprintf("%t", ma.IsPrimary))
	addRow(sheet)

	addRow(sheet, "Variant", "Control", "Exposures", "Conversions", "Rate", "CI low", "CI high", "Insufficient data")
	for _, vs := range ma.Variants {
		addRow(sheet,
			vs.VariantID,
			fmt.Sprintf("%t", vs.IsControl),
			fmt.Sprintf("%d", vs.Exposures),
			fmt.Sprintf("%d", vs.Conversions),
			formatFloat(vs.Rate),
			formatOptFloat(vs.CILow),
			formatOptFloat(vs.CIHigh),
			fmt.Sprintf("%t", vs.InsufficientData),
		)
	}
	addRow(sheet)

	addRow(sheet, "Vs control", "Absolute lift", "Relative lift", "Statistic", "P-value", "CI low", "CI high", "Significant")
	for _, cmp := range ma.Comparisons {
		addRow(sheet,
			cmp.VariantID,
			formatFloat(cmp.AbsoluteLift),
			formatOptFloat(cmp.RelativeLift),
			formatFloat(cmp.Statistic),
			formatFloat(cmp.PValue),
			formatFloat(cmp.CILow),
			formatFloat(cmp.CIHigh),
			fmt.Sprintf("%t", cmp.IsSignificant),
		)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return formatFloat(*v)
}

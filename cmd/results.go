package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/export"
	"github.com/sells-group/experiment-cli/internal/model"
)

var resultsXLSXPath string

var resultsCmd = &cobra.Command{
	Use:   "results <experiment-id>",
	Short: "Analyze an experiment and print results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Controller.GetResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		printResults(res)

		if resultsXLSXPath != "" {
			if err := export.WriteXLSX(res, resultsXLSXPath); err != nil {
				return err
			}
			zap.L().Info("results exported", zap.String("path", resultsXLSXPath))
			fmt.Printf("\nwrote %s\n", resultsXLSXPath)
		}
		return nil
	},
}

func printResults(res *model.AnalysisResult) {
	fmt.Printf("experiment %s: %d exposures\n", res.ExperimentID, res.TotalExposures)
	if res.SampleRatio.Mismatch {
		fmt.Printf("WARNING: sample ratio mismatch (chi2=%.3f p=%.6f), assignment pipeline may be broken\n",
			res.SampleRatio.ChiSquare, res.SampleRatio.PValue)
	}

	for _, ma := range res.Metrics {
		primary := ""
		if ma.IsPrimary {
			primary = " (primary)"
		}
		fmt.Printf("\nmetric %s%s [%s]\n", ma.MetricID, primary, ma.Type)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tEXPOSURES\tCONVERSIONS\tRATE\tCI")
		for _, vs := range ma.Variants {
			ci := "n/a"
			if vs.CILow != nil && vs.CIHigh != nil {
				ci = fmt.Sprintf("[%.4f, %.4f]", *vs.CILow, *vs.CIHigh)
			}
			marker := ""
			if vs.IsControl {
				marker = " *"
			}
			if vs.InsufficientData {
				marker += " (insufficient)"
			}
			fmt.Fprintf(w, "%s%s\t%d\t%d\t%.4f\t%s\n", vs.VariantID, marker, vs.Exposures, vs.Conversions, vs.Rate, ci)
		}
		w.Flush()

		for _, cmp := range ma.Comparisons {
			lift := "n/a"
			if cmp.RelativeLift != nil {
				lift = fmt.Sprintf("%+.2f%%", *cmp.RelativeLift*100)
			}
			verdict := "not significant"
			if cmp.IsSignificant {
				verdict = "SIGNIFICANT"
			}
			if cmp.InsufficientData {
				verdict += " (insufficient data)"
			}
			fmt.Printf("%s vs control: lift %s, p=%.6f, %s\n", cmp.VariantID, lift, cmp.PValue, verdict)
		}
	}
}

func init() {
	resultsCmd.Flags().StringVar(&resultsXLSXPath, "xlsx", "", "also write results to an xlsx workbook")
	rootCmd.AddCommand(resultsCmd)
}

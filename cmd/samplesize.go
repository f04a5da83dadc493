package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/experiment-cli/internal/stats"
)

var (
	ssBaseline float64
	ssMDE      float64
	ssPower    float64
	ssAlpha    float64

	edDailyTraffic int
	edVariants     int
)

var samplesizeCmd = &cobra.Command{
	Use:   "samplesize",
	Short: "Compute the required per-arm sample size",
	RunE: func(cmd *cobra.Command, args []string) error {
		power := ssPower
		if power == 0 {
			power = cfg.Engine.DefaultPower
		}
		alpha := ssAlpha
		if alpha == 0 {
			alpha = cfg.Engine.SignificanceLevel
		}
		n, err := stats.SampleSizePerArm(ssBaseline, ssMDE, power, alpha)
		if err != nil {
			return err
		}
		fmt.Printf("%d users per arm (baseline %.4f, MDE %.4f, power %.2f, alpha %.3f)\n",
			n, ssBaseline, ssMDE, power, alpha)

		if edDailyTraffic > 0 {
			days, err := stats.EstimateDurationDays(n, edDailyTraffic, edVariants)
			if err != nil {
				return err
			}
			fmt.Printf("about %d days at %d users/day across %d variants\n", days, edDailyTraffic, edVariants)
		}
		return nil
	},
}

var durationCmd = &cobra.Command{
	Use:   "duration <experiment-id>",
	Short: "Estimate days for an experiment to reach its minimum sample size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		days, err := env.Controller.EstimateDuration(cmd.Context(), args[0], edDailyTraffic)
		if err != nil {
			return err
		}
		fmt.Printf("about %d days at %d eligible users/day\n", days, edDailyTraffic)
		return nil
	},
}

func init() {
	samplesizeCmd.Flags().Float64Var(&ssBaseline, "baseline", 0, "baseline conversion rate, e.g. 0.10 (required)")
	samplesizeCmd.Flags().Float64Var(&ssMDE, "mde", 0, "minimum detectable effect, relative, e.g. 0.20 for 20% (required)")
	samplesizeCmd.Flags().Float64Var(&ssPower, "power", 0, "statistical power (default from config)")
	samplesizeCmd.Flags().Float64Var(&ssAlpha, "alpha", 0, "significance level (default from config)")
	samplesizeCmd.Flags().IntVar(&edDailyTraffic, "daily-traffic", 0, "total eligible users per day; enables the duration estimate")
	samplesizeCmd.Flags().IntVar(&edVariants, "variants", 2, "number of variants for the duration estimate")
	samplesizeCmd.MarkFlagRequired("baseline")
	samplesizeCmd.MarkFlagRequired("mde")
	rootCmd.AddCommand(samplesizeCmd)

	durationCmd.Flags().IntVar(&edDailyTraffic, "daily-traffic", 0, "total eligible users per day (required)")
	durationCmd.MarkFlagRequired("daily-traffic")
	rootCmd.AddCommand(durationCmd)
}

package main

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/experiment-cli/internal/events"
	"github.com/sells-group/experiment-cli/internal/model"
)

var (
	simUsers     int
	simWorkers   int
	simBaseRate  float64
	simTreatLift float64
	simSeed      int64
)

// simulateCmd drives synthetic traffic through the full engine: assignment,
// exposure, and a biased conversion rate per arm. Useful as a demo and as a
// quick end-to-end smoke of a freshly configured store.
var simulateCmd = &cobra.Command{
	Use:   "simulate <experiment-id>",
	Short: "Run synthetic traffic through a running experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		expID := args[0]
		exp, err := env.Controller.Get(ctx, expID)
		if err != nil {
			return err
		}
		if exp.Status != model.StatusRunning {
			return fmt.Errorf("experiment %s is %s, start it first", expID, exp.Status)
		}
		metric := exp.PrimaryMetric()
		if metric == nil {
			return fmt.Errorf("experiment %s has no primary metric", expID)
		}

		var mu sync.Mutex
		rng := rand.New(rand.NewSource(simSeed))
		draw := func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(simWorkers)

		var assigned, converted sync.Map
		for i := 0; i < simUsers; i++ {
			userID := fmt.Sprintf("sim-user-%d", i)
			g.Go(func() error {
				a, err := env.Controller.GetAssignment(gctx, expID, model.UserContext{UserID: userID})
				if err != nil {
					return err
				}
				if a == nil {
					return nil
				}
				count(&assigned, a.VariantID)

				if _, err := env.Controller.RecordEvent(gctx, events.RecordRequest{
					ExperimentID: expID, UserID: userID, Kind: model.EventExposure,
				}); err != nil {
					return err
				}

				rate := simBaseRate
				if !exp.VariantByID(a.VariantID).IsControl {
					rate += simTreatLift
				}
				if draw() < rate {
					if _, err := env.Controller.RecordEvent(gctx, events.RecordRequest{
						ExperimentID: expID, UserID: userID, MetricID: metric.ID,
						Kind: model.EventConversion, Value: 1,
					}); err != nil {
						return err
					}
					count(&converted, a.VariantID)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, v := range exp.Variants {
			fmt.Printf("%s: %d assigned, %d converted\n", v.ID, load(&assigned, v.ID), load(&converted, v.ID))
		}
		zap.L().Info("simulation complete",
			zap.String("experiment_id", expID),
			zap.Int("users", simUsers))
		fmt.Printf("run `expctl results %s` to analyze\n", expID)
		return nil
	},
}

func count(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func load(m *sync.Map, key string) int64 {
	v, ok := m.Load(key)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

func init() {
	simulateCmd.Flags().IntVar(&simUsers, "users", 1000, "number of synthetic users")
	simulateCmd.Flags().IntVar(&simWorkers, "workers", 16, "concurrent workers")
	simulateCmd.Flags().Float64Var(&simBaseRate, "base-rate", 0.10, "control conversion rate")
	simulateCmd.Flags().Float64Var(&simTreatLift, "lift", 0.02, "absolute lift applied to treatment arms")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "random seed for conversion draws")
	rootCmd.AddCommand(simulateCmd)
}

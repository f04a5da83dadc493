package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/store"
)

var (
	createFile string
	listStatus string
	stopReason string
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage experiment definitions and lifecycle",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an experiment from a YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := model.LoadDefinition(createFile)
		if err != nil {
			return err
		}
		if err := env.Controller.Create(cmd.Context(), exp); err != nil {
			return err
		}
		fmt.Printf("created experiment %s (%d variants, %d metrics)\n", exp.ID, len(exp.Variants), len(exp.Metrics))
		return nil
	},
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		exps, err := env.Controller.List(cmd.Context(), store.ExperimentFilter{
			Status: model.Status(listStatus),
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMETHOD\tVARIANTS")
		for _, exp := range exps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", exp.ID, exp.Name, exp.Status, exp.Method, len(exp.Variants))
		}
		return w.Flush()
	},
}

var experimentShowCmd = &cobra.Command{
	Use:   "show <experiment-id>",
	Short: "Print one experiment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Controller.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(exp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// transitionCommand builds one lifecycle subcommand; they all share the
// same fetch-transition-report shape.
func transitionCommand(use, short string, run func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			exp, err := run(cmd, env, args[0])
			if err != nil {
				return err
			}
			zap.L().Info("experiment transition",
				zap.String("experiment_id", exp.ID),
				zap.String("status", string(exp.Status)))
			fmt.Printf("%s is now %s\n", exp.ID, exp.Status)
			return nil
		},
	}
}

func init() {
	experimentCreateCmd.Flags().StringVarP(&createFile, "file", "f", "", "YAML definition file (required)")
	experimentCreateCmd.MarkFlagRequired("file")
	experimentListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	stopCmd := transitionCommand("stop", "Stop a running or paused experiment",
		func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error) {
			return env.Controller.Stop(cmd.Context(), id, stopReason)
		})
	stopCmd.Flags().StringVar(&stopReason, "reason", "", "why the experiment is being stopped")

	experimentCmd.AddCommand(
		experimentCreateCmd,
		experimentListCmd,
		experimentShowCmd,
		transitionCommand("start", "Start a draft experiment",
			func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error) {
				return env.Controller.Start(cmd.Context(), id)
			}),
		transitionCommand("pause", "Pause a running experiment",
			func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error) {
				return env.Controller.Pause(cmd.Context(), id)
			}),
		transitionCommand("resume", "Resume a paused experiment",
			func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error) {
				return env.Controller.Resume(cmd.Context(), id)
			}),
		stopCmd,
		transitionCommand("complete", "Archive a stopped experiment",
			func(cmd *cobra.Command, env *engineEnv, id string) (*model.Experiment, error) {
				return env.Controller.Complete(cmd.Context(), id)
			}),
	)
	rootCmd.AddCommand(experimentCmd)
}

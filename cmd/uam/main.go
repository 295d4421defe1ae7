// Command uam estimates unannounced meals from a dataset file or a remote
// nightscout and prints the results as tables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/adamlounds/nightscout-uam/config"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

var (
	// Global flags
	verbose       bool
	estimatorFile string
	datasetFile   string
	fromFlag      string
	toFlag        string
)

var rootCmd = &cobra.Command{
	Use:   "uam",
	Short: "Estimate unannounced meals from glucose, insulin and basal records",
	Long: `uam fits carbohydrate events to a glucose series so that the
glucose predicted from meals, boluses and basal deviations matches the
observed values.

Datasets are JSON files of typed records plus a therapy profile, as accepted
by POST /api/v1/meals/estimate.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		h := slogctx.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), nil)
		slog.SetDefault(slog.New(h))
		cmd.SetContext(slogctx.NewCtx(cmd.Context(), slog.Default()))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().StringVarP(&estimatorFile, "config", "c", "", "estimator settings yaml")
	rootCmd.PersistentFlags().StringVarP(&datasetFile, "dataset", "d", "", "dataset json file")
	rootCmd.PersistentFlags().StringVar(&fromFlag, "from", "", "window start (RFC3339)")
	rootCmd.PersistentFlags().StringVar(&toFlag, "to", "", "window end (RFC3339)")

	rootCmd.AddCommand(estimateCmd, normalizeCmd, predictCmd, runsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// estimatorSettings reads --config, falling back to the defaults with the
// UAM_* environment overrides.
func estimatorSettings() (estimation.Settings, error) {
	if estimatorFile != "" {
		return config.LoadEstimatorFile(estimatorFile)
	}
	return config.EstimatorFromEnv(config.DefaultEstimator())
}

func loadDataset(path string) (*models.Dataset, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: --dataset is required", models.ErrValidation)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open dataset: %w", err)
	}
	defer f.Close()

	var dataset models.Dataset
	if err := json.NewDecoder(f).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("cannot parse dataset %s: %w", path, err)
	}
	if dataset.Name == "" {
		dataset.Name = path
	}
	return &dataset, nil
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	var fromT, toT time.Time
	var err error
	if from != "" {
		if fromT, err = time.Parse(time.RFC3339, from); err != nil {
			return fromT, toT, fmt.Errorf("%w: --from must be RFC3339", models.ErrValidation)
		}
	}
	if to != "" {
		if toT, err = time.Parse(time.RFC3339, to); err != nil {
			return fromT, toT, fmt.Errorf("%w: --to must be RFC3339", models.ErrValidation)
		}
	}
	if !fromT.IsZero() && !toT.IsZero() && !fromT.Before(toT) {
		return fromT, toT, fmt.Errorf("%w: --from must be before --to", models.ErrValidation)
	}
	return fromT, toT, nil
}

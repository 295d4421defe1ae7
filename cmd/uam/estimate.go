package main

import (
	"fmt"
	"log/slog"
	"time"

	repository "github.com/adamlounds/nightscout-uam/adapters"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/report"
	nightscoutstore "github.com/adamlounds/nightscout-uam/stores/nightscout"
	sqlitestore "github.com/adamlounds/nightscout-uam/stores/sqlite"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

var (
	solverName     string
	nightscoutURL  string
	nsToken        string
	nsAPISecret    string
	uploadMeals    bool
	sqlitePath     string
	showDeviations bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate unannounced meals",
	Long: `Runs a solver over a dataset file or a window fetched from a remote
nightscout and prints the meals found with error statistics of the fit.

Solvers: grid, parabola, lm, lm-search.

Example:
  uam estimate --dataset week.json --solver lm
  uam estimate --nightscout https://ns.example.com --token uam-0123456789abcdef --upload`,
	RunE: runEstimate,
}

func init() {
	estimateCmd.Flags().StringVarP(&solverName, "solver", "s", "", "solver name (default from config)")
	estimateCmd.Flags().StringVar(&nightscoutURL, "nightscout", "", "fetch the dataset from this nightscout")
	estimateCmd.Flags().StringVar(&nsToken, "token", "", "nightscout auth token")
	estimateCmd.Flags().StringVar(&nsAPISecret, "api-secret", "", "nightscout api secret")
	estimateCmd.Flags().BoolVar(&uploadMeals, "upload", false, "upload found meals to nightscout as treatments")
	estimateCmd.Flags().StringVar(&sqlitePath, "sqlite", "", "keep run history in this sqlite database")
	estimateCmd.Flags().BoolVar(&showDeviations, "deviations", false, "also print basal deviations")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := slogctx.FromCtx(ctx)

	settings, err := estimatorSettings()
	if err != nil {
		return err
	}
	from, to, err := parseWindow(fromFlag, toFlag)
	if err != nil {
		return err
	}

	var dataset *models.Dataset
	var nsCfg repository.NightscoutConfig
	if nightscoutURL != "" {
		if datasetFile != "" {
			return fmt.Errorf("%w: --dataset and --nightscout are exclusive", models.ErrValidation)
		}
		u, err := nightscoutstore.ParseURL(nightscoutURL)
		if err != nil {
			return err
		}
		nsCfg = repository.NightscoutConfig{URL: u, Token: nsToken, APISecret: nsAPISecret}
		if to.IsZero() {
			to = time.Now()
		}
		if from.IsZero() {
			from = to.Add(-24 * time.Hour)
		}
		dataset, err = repository.NewNightscoutRepository().FetchDataset(ctx, nsCfg, from, to)
		if err != nil {
			return err
		}
	} else {
		if uploadMeals {
			return fmt.Errorf("%w: --upload needs --nightscout", models.ErrValidation)
		}
		if dataset, err = loadDataset(datasetFile); err != nil {
			return err
		}
	}

	var runs models.RunRepository
	if sqlitePath != "" {
		db, err := sqlitestore.New(sqlitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		runs = repository.NewSqliteRunRepository(db)
	}

	svc := estimation.NewService(settings, runs, nil)
	res, err := svc.Estimate(ctx, estimation.Request{Dataset: dataset, Solver: solverName, From: from, To: to})
	if err != nil {
		return err
	}

	console := report.NewConsole(cmd.OutOrStdout())
	console.Run(res.Run, res.Diagnostics)
	console.Stats(res.Stats)
	if showDeviations {
		console.Deviations(res.Prepared.Deviations)
	}

	if uploadMeals && len(res.Run.Meals) > 0 {
		if err := repository.NewNightscoutRepository().UploadMeals(ctx, nsCfg, res.Run.Meals, res.Run.Solver); err != nil {
			return err
		}
		log.Info("uploaded meals", slog.Int("numMeals", len(res.Run.Meals)), slog.String("host", nsCfg.URL.Host))
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d meals to %s\n", len(res.Run.Meals), nsCfg.URL.Host)
	}
	return nil
}

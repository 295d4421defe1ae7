package main

import (
	repository "github.com/adamlounds/nightscout-uam/adapters"
	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/physio"
	"github.com/adamlounds/nightscout-uam/report"
	sqlitestore "github.com/adamlounds/nightscout-uam/stores/sqlite"
	"github.com/spf13/cobra"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Print basal deliveries as deviations from the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		prep, err := prepareDataset(cmd)
		if err != nil {
			return err
		}
		report.NewConsole(cmd.OutOrStdout()).Deviations(prep.Deviations)
		return nil
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Print predicted against observed glucose",
	Long: `Predicts glucose from the dataset's announced meals, boluses and basal
deviations, anchored on the first sample, and prints it next to the observed
values.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prep, err := prepareDataset(cmd)
		if err != nil {
			return err
		}
		report.NewConsole(cmd.OutOrStdout()).Predictions(predictions(prep))
		return nil
	},
}

var (
	runsCount      int
	runsSqlitePath string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the latest runs kept in a sqlite database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sqlitestore.New(runsSqlitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		runs, err := repository.NewSqliteRunRepository(db).FetchLatestRuns(cmd.Context(), runsCount)
		if err != nil {
			return err
		}
		report.NewConsole(cmd.OutOrStdout()).Runs(runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsSqlitePath, "sqlite", "nightscout-uam.db", "sqlite database")
	runsCmd.Flags().IntVarP(&runsCount, "count", "n", 10, "number of runs")
}

func prepareDataset(cmd *cobra.Command) (*estimation.Prepared, error) {
	settings, err := estimatorSettings()
	if err != nil {
		return nil, err
	}
	from, to, err := parseWindow(fromFlag, toFlag)
	if err != nil {
		return nil, err
	}
	dataset, err := loadDataset(datasetFile)
	if err != nil {
		return nil, err
	}
	return estimation.NewService(settings, nil, nil).Prepare(cmd.Context(), dataset, from, to)
}

func predictions(prep *estimation.Prepared) []report.Prediction {
	in := prep.Inputs
	if len(in.Glucose) == 0 {
		return nil
	}
	predict := func(g int) float64 {
		return physio.Predict(in.Glucose[g].Time, in.Meals, in.Boli, prep.Deviations, prep.Context)
	}
	start := in.Glucose[0].Mgdl - predict(0)

	rows := make([]report.Prediction, len(in.Glucose))
	for i, g := range in.Glucose {
		rows[i] = report.Prediction{Time: g.Time, Observed: g.Mgdl, Predicted: start + predict(i)}
	}
	return rows
}
